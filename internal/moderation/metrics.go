package moderation

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts gate decisions. A nil *Metrics records nothing.
type Metrics struct {
	reg       prometheus.Registerer
	verdicts  *prometheus.CounterVec
	overrides *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "guardbot",
				Subsystem: "moderation",
				Name:      "verdicts_total",
				Help:      "Moderation verdicts by outcome and reason.",
			},
			[]string{"verdict", "reason"},
		),
		overrides: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "guardbot",
				Subsystem: "moderation",
				Name:      "overrides_total",
				Help:      "Manual suppress/forgive actions.",
			},
			[]string{"op"},
		),
	}
	reg.MustRegister(m.verdicts, m.overrides)
	return m
}

func (m *Metrics) registerActive(store *CooldownStore) {
	if m == nil || store == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "guardbot",
			Subsystem: "moderation",
			Name:      "active_cooldowns",
			Help:      "Users whose cooldown has not expired.",
		},
		func() float64 { return float64(store.Active()) },
	))
}

func (m *Metrics) verdict(v Verdict) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(v.Kind.String(), string(v.Reason)).Inc()
}

func (m *Metrics) override(op string) {
	if m == nil {
		return
	}
	m.overrides.WithLabelValues(op).Inc()
}
