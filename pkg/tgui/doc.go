// Package tgui builds small HTML replies for Telegram's HTML parse mode.
// Everything that is not typed H is escaped.
package tgui
