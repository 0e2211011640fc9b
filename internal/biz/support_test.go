package biz

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"Wardline/internal/conf"
	"Wardline/internal/model"

	"google.golang.org/protobuf/types/known/durationpb"
	"gorm.io/gorm"
)

// In-memory repository fakes. They reproduce the classification behavior of
// the real repositories: absent rows surface gorm.ErrRecordNotFound in the
// chain, outages surface connection-style errors.

var errStoreDown = fmt.Errorf("dial tcp 127.0.0.1:3306: connection refused")

func notFound(what string) error {
	return fmt.Errorf("failed to get %s: %w", what, gorm.ErrRecordNotFound)
}

func testGovernanceConf() *conf.Governance {
	return &conf.Governance{
		Circuit: &conf.Governance_Circuit{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			OpenTimeout:      durationpb.New(60 * time.Second),
			HalfOpenTimeout:  durationpb.New(30 * time.Second),
		},
		Backpressure: &conf.Governance_Backpressure{
			Thresholds: map[string]float64{
				"latency_p95": 8000,
				"queue_depth": 100,
				"token_queue": 50000,
			},
			TokenCapBaseline: 8192,
		},
		Budget: &conf.Governance_Budget{
			MonthlyUSD:         1000.0,
			DowngradeThreshold: 0.80,
			HardStopThreshold:  1.0,
			AllowDowngrade:     true,
			PrimaryModel:       "large-v3",
			DowngradeModel:     "small-v3",
		},
	}
}

// --- circuit state ---

type memCircuitRepo struct {
	mu     sync.Mutex
	states map[string]*model.CircuitState
	probes map[string]bool
	down   bool
}

func newMemCircuitRepo() *memCircuitRepo {
	return &memCircuitRepo{
		states: map[string]*model.CircuitState{},
		probes: map[string]bool{},
	}
}

func copyCircuitState(st *model.CircuitState) *model.CircuitState {
	dup := *st
	return &dup
}

func (r *memCircuitRepo) Get(_ context.Context, serviceName string) (*model.CircuitState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errStoreDown
	}
	st, ok := r.states[serviceName]
	if !ok {
		return nil, notFound("circuit state for " + serviceName)
	}
	return copyCircuitState(st), nil
}

func (r *memCircuitRepo) Create(_ context.Context, state *model.CircuitState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return errStoreDown
	}
	r.states[state.ServiceName] = copyCircuitState(state)
	return nil
}

func (r *memCircuitRepo) UpdateCAS(_ context.Context, state *model.CircuitState, expectedVersion int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return false, errStoreDown
	}
	cur, ok := r.states[state.ServiceName]
	if !ok || cur.Version != expectedVersion {
		return false, nil
	}
	dup := copyCircuitState(state)
	dup.Version = expectedVersion + 1
	r.states[state.ServiceName] = dup
	return true, nil
}

func (r *memCircuitRepo) List(_ context.Context) ([]*model.CircuitState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errStoreDown
	}
	out := make([]*model.CircuitState, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, copyCircuitState(st))
	}
	return out, nil
}

func (r *memCircuitRepo) AcquireProbe(_ context.Context, serviceName string, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.probes[serviceName] {
		return false, nil
	}
	r.probes[serviceName] = true
	return true, nil
}

func (r *memCircuitRepo) ReleaseProbe(_ context.Context, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.probes, serviceName)
	return nil
}

// --- backpressure state ---

type memBackpressureRepo struct {
	mu     sync.Mutex
	states map[string]*model.BackpressureMetricState
	down   bool
}

func newMemBackpressureRepo() *memBackpressureRepo {
	return &memBackpressureRepo{states: map[string]*model.BackpressureMetricState{}}
}

func copyMetricState(st *model.BackpressureMetricState) *model.BackpressureMetricState {
	dup := *st
	dup.ActionsTaken = append([]model.EngagedAction(nil), st.ActionsTaken...)
	return &dup
}

func (r *memBackpressureRepo) Get(_ context.Context, metricName string) (*model.BackpressureMetricState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errStoreDown
	}
	st, ok := r.states[metricName]
	if !ok {
		return nil, notFound("backpressure state for " + metricName)
	}
	return copyMetricState(st), nil
}

func (r *memBackpressureRepo) Create(_ context.Context, state *model.BackpressureMetricState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return errStoreDown
	}
	r.states[state.MetricName] = copyMetricState(state)
	return nil
}

func (r *memBackpressureRepo) UpdateCAS(_ context.Context, state *model.BackpressureMetricState, expectedVersion int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return false, errStoreDown
	}
	cur, ok := r.states[state.MetricName]
	if !ok || cur.Version != expectedVersion {
		return false, nil
	}
	dup := copyMetricState(state)
	dup.Version = expectedVersion + 1
	r.states[state.MetricName] = dup
	return true, nil
}

func (r *memBackpressureRepo) List(_ context.Context) ([]*model.BackpressureMetricState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errStoreDown
	}
	out := make([]*model.BackpressureMetricState, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, copyMetricState(st))
	}
	return out, nil
}

// --- budget ledger ---

type memBudgetRepo struct {
	mu      sync.Mutex
	ledgers map[string]*model.BudgetLedger
	events  []*model.SpendEvent
	down    bool
}

func newMemBudgetRepo() *memBudgetRepo {
	return &memBudgetRepo{ledgers: map[string]*model.BudgetLedger{}}
}

func copyLedger(l *model.BudgetLedger) *model.BudgetLedger {
	dup := *l
	return &dup
}

func (r *memBudgetRepo) GetLedger(_ context.Context, monthYear string) (*model.BudgetLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errStoreDown
	}
	l, ok := r.ledgers[monthYear]
	if !ok {
		return nil, notFound("budget ledger for " + monthYear)
	}
	return copyLedger(l), nil
}

func (r *memBudgetRepo) CreateLedger(_ context.Context, ledger *model.BudgetLedger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return errStoreDown
	}
	r.ledgers[ledger.MonthYear] = copyLedger(ledger)
	return nil
}

func (r *memBudgetRepo) AddSpend(_ context.Context, monthYear string, amountUSD float64) (*model.BudgetLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errStoreDown
	}
	l, ok := r.ledgers[monthYear]
	if !ok {
		return nil, notFound("budget ledger for " + monthYear)
	}
	l.SpentUSD += amountUSD
	return copyLedger(l), nil
}

func (r *memBudgetRepo) AppendSpendEvent(_ context.Context, event *model.SpendEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return errStoreDown
	}
	r.events = append(r.events, event)
	return nil
}

func (r *memBudgetRepo) latch(monthYear string, flag func(*model.BudgetLedger) *bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return false, errStoreDown
	}
	l, ok := r.ledgers[monthYear]
	if !ok {
		return false, nil
	}
	f := flag(l)
	if *f {
		return false, nil
	}
	*f = true
	return true, nil
}

func (r *memBudgetRepo) LatchAlert80(_ context.Context, monthYear string) (bool, error) {
	return r.latch(monthYear, func(l *model.BudgetLedger) *bool { return &l.AlertThreshold80 })
}

func (r *memBudgetRepo) LatchAlert95(_ context.Context, monthYear string) (bool, error) {
	return r.latch(monthYear, func(l *model.BudgetLedger) *bool { return &l.AlertThreshold95 })
}

func (r *memBudgetRepo) LatchDowngrade(_ context.Context, monthYear string) (bool, error) {
	return r.latch(monthYear, func(l *model.BudgetLedger) *bool { return &l.ModelDowngradeActive })
}

func (r *memBudgetRepo) LatchHardStop(_ context.Context, monthYear string) (bool, error) {
	return r.latch(monthYear, func(l *model.BudgetLedger) *bool { return &l.HardStopTriggered })
}

// --- action sink ---

type memSink struct {
	mu      sync.Mutex
	toggles map[string]*model.FeatureToggle
	// failing maps feature name to an error every write returns, to test
	// per-action failure isolation.
	failing map[string]error
	writes  int
}

func newMemSink() *memSink {
	return &memSink{
		toggles: map[string]*model.FeatureToggle{},
		failing: map[string]error{},
	}
}

func (s *memSink) SetToggle(_ context.Context, featureName string, enabled bool, conditions map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing[featureName]; err != nil {
		return err
	}
	// Round-trip conditions through JSON like the real store does.
	var stored map[string]interface{}
	if len(conditions) > 0 {
		raw, err := json.Marshal(conditions)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &stored); err != nil {
			return err
		}
	}
	s.toggles[featureName] = &model.FeatureToggle{
		FeatureName: featureName,
		Enabled:     enabled,
		Conditions:  stored,
		UpdatedAt:   time.Now(),
	}
	s.writes++
	return nil
}

func (s *memSink) GetToggle(_ context.Context, featureName string) (*model.FeatureToggle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.toggles[featureName]
	if !ok {
		return nil, notFound("feature toggle " + featureName)
	}
	dup := *t
	return &dup, nil
}

func (s *memSink) toggle(name string) *model.FeatureToggle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toggles[name]
}

// --- incidents and audit ---

type memIncidents struct {
	mu        sync.Mutex
	incidents []*model.Incident
}

func (m *memIncidents) Report(_ context.Context, incident *model.Incident) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = append(m.incidents, incident)
}

func (m *memIncidents) all() []*model.Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Incident(nil), m.incidents...)
}

type auditEntry struct {
	kind    string
	subject string
}

type memAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (m *memAudit) LogCircuitTransition(_ context.Context, serviceName string, from, to model.CircuitBreakerState, _ map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, auditEntry{kind: "transition:" + from.String() + ">" + to.String(), subject: serviceName})
}

func (m *memAudit) LogActionsApplied(_ context.Context, scope string, _ []model.EngagedAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, auditEntry{kind: "applied", subject: scope})
}

func (m *memAudit) LogActionsReversed(_ context.Context, scope string, _ []model.MitigationAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, auditEntry{kind: "reversed", subject: scope})
}

func (m *memAudit) LogBudgetEscalation(_ context.Context, monthYear, event string, _ map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, auditEntry{kind: "budget:" + event, subject: monthYear})
}

func (m *memAudit) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.kind)
	}
	return out
}
