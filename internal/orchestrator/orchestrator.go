// Package orchestrator coordinates the full correlation pipeline per
// organization: connector fan-out, normalization, detector execution,
// temporal correlation, chain building, and risk assessment. It also owns
// the per-organization real-time monitoring loops.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/shadowscan/internal/config"
	"github.com/lvonguyen/shadowscan/internal/connector"
	"github.com/lvonguyen/shadowscan/internal/correlation"
	"github.com/lvonguyen/shadowscan/internal/credentials"
	"github.com/lvonguyen/shadowscan/internal/detectors"
	"github.com/lvonguyen/shadowscan/internal/event"
	"github.com/lvonguyen/shadowscan/internal/observability"
	"github.com/lvonguyen/shadowscan/internal/playbooks"
	"github.com/lvonguyen/shadowscan/internal/quota"
	"github.com/lvonguyen/shadowscan/internal/risk"
	"github.com/lvonguyen/shadowscan/internal/workflow"
)

// maxConcurrentFetches bounds the connector fan-out per analysis run.
const maxConcurrentFetches = 4

// State names for the per-organization machine.
type State string

const (
	StateIdle       State = "idle"
	StateAnalyzing  State = "analyzing"
	StateMonitoring State = "monitoring"
)

// TimeRange bounds one analysis window. End is exclusive.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ConnectionError records one connection that could not contribute to an
// analysis. Other connections are unaffected.
type ConnectionError struct {
	ConnectionID            string             `json:"connection_id"`
	Platform                connector.Platform `json:"platform"`
	Reason                  string             `json:"reason"`
	ReauthorizationRequired bool               `json:"reauthorization_required,omitempty"`
	QuotaDeferred           bool               `json:"quota_deferred,omitempty"`
}

// Summary is the headline view of one analysis run.
type Summary struct {
	TotalAutomationChains int                `json:"total_automation_chains"`
	CrossPlatformChains   int                `json:"cross_platform_chains"`
	HighestRisk           workflow.RiskLevel `json:"highest_risk"`
	EventsAnalyzed        int                `json:"events_analyzed"`
	DetectorFindings      int                `json:"detector_findings"`
}

// CorrelationAnalysisResult is the full output of one analysis run.
type CorrelationAnalysisResult struct {
	OrganizationID   string                             `json:"organization_id"`
	TimeRange        TimeRange                          `json:"time_range"`
	GeneratedAt      time.Time                          `json:"generated_at"`
	ProcessingTime   time.Duration                      `json:"processing_time"`
	Chains           []*workflow.AutomationWorkflowChain `json:"chains"`
	Findings         []detectors.Finding                `json:"findings,omitempty"`
	RiskAssessment   *risk.MultiPlatformRiskAssessment  `json:"risk_assessment"`
	Summary          Summary                            `json:"summary"`
	Partial          bool                               `json:"partial"`
	ConnectionErrors []ConnectionError                  `json:"connection_errors,omitempty"`
}

// OrgStatus is the snapshot returned without re-running analysis.
type OrgStatus struct {
	OrganizationID     string    `json:"organization_id"`
	State              State     `json:"state"`
	MonitoringActive   bool      `json:"monitoring_active"`
	LastAnalysisAt     time.Time `json:"last_analysis_at"`
	LastChainCount     int       `json:"last_chain_count"`
	LastCompositeScore int       `json:"last_composite_score"`
	LastPartial        bool      `json:"last_partial"`
}

type orgState struct {
	analyzing     int
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	lastResult    *CorrelationAnalysisResult
}

// Orchestrator runs the pipeline and tracks per-organization state.
// Analyses for different organizations are independent and may run in
// parallel; they share only the credential and quota stores.
type Orchestrator struct {
	cfg        *config.Config
	registry   *connector.Registry
	creds      *credentials.Manager
	quota      *quota.Tracker
	pacer      *connector.Pacer
	normalizer *event.Normalizer
	runner     *detectors.Runner
	correlator *correlation.Correlator
	builder    *workflow.Builder
	assessor   *risk.Assessor
	playbooks  *playbooks.Manager
	logger     *zap.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	now        func() time.Time

	mu   sync.Mutex
	orgs map[string]*orgState
}

// Option configures optional orchestrator dependencies.
type Option func(*Orchestrator)

// WithMetrics wires the telemetry metric set into the pipeline. Without it
// the orchestrator runs unmetered.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer used for per-analysis spans. Defaults to the
// global provider's tracer.
func WithTracer(tr trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tr != nil {
			o.tracer = tr
		}
	}
}

// New wires the pipeline from configuration. The detector set and the
// signature table are fixed at construction.
func New(cfg *config.Config, registry *connector.Registry, creds *credentials.Manager, tracker *quota.Tracker, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = connector.NewRegistry()
	}

	table := detectors.DefaultSignatureTable()
	if path := cfg.Detection.AIProvider.SignaturesPath; path != "" {
		loaded, err := detectors.LoadSignatureTable(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load AI signature table: %w", err)
		}
		table = loaded
	}

	runner := detectors.NewRunner(logger,
		detectors.NewVelocityDetector(cfg.Detection.Velocity),
		detectors.NewBatchDetector(cfg.Detection.Batch),
		detectors.NewOffHoursDetector(cfg.Detection.OffHours),
		detectors.NewAIProviderDetector(cfg.Detection.AIProvider, table),
	)

	o := &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		creds:      creds,
		quota:      tracker,
		pacer:      connector.NewPacer(2, 2),
		normalizer: event.NewNormalizer(),
		runner:     runner,
		correlator: correlation.NewCorrelator(cfg.Correlation, logger),
		builder:    workflow.NewBuilder(),
		assessor:   risk.NewAssessor(risk.NewFrameworkCatalog(logger), logger),
		playbooks:  playbooks.NewManager(logger),
		logger:     logger,
		tracer:     otel.Tracer("shadowscan/orchestrator"),
		now:        time.Now,
		orgs:       make(map[string]*orgState),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics != nil {
		o.runner.SetObserver(func(name string, took time.Duration, _ int) {
			o.metrics.DetectorDuration.WithLabelValues(name).Observe(took.Seconds())
		})
	}
	return o, nil
}

// RegisterConnector registers a platform connector. Registration is
// idempotent per platform; the last registration wins.
func (o *Orchestrator) RegisterConnector(c connector.Connector) {
	o.registry.Register(c)
	o.logger.Info("platform connector registered", zap.String("platform", string(c.Platform())))
}

func (o *Orchestrator) org(orgID string) *orgState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.orgs[orgID]
	if st == nil {
		st = &orgState{}
		o.orgs[orgID] = st
	}
	return st
}

// ExecuteCorrelationAnalysis runs the full pipeline synchronously for one
// organization. A nil time range analyzes the configured lookback ending
// now. Exceeding the analysis budget returns partial results, never nothing;
// an empty window returns a result with zero chains, not an error.
func (o *Orchestrator) ExecuteCorrelationAnalysis(ctx context.Context, orgID string, tr *TimeRange) (*CorrelationAnalysisResult, error) {
	started := o.now()
	if tr == nil {
		end := started.UTC()
		tr = &TimeRange{Start: end.Add(-o.cfg.Monitoring.Lookback), End: end}
	}

	ctx, span := o.tracer.Start(ctx, "correlation.analysis",
		trace.WithAttributes(attribute.String("organization.id", orgID)))
	defer span.End()

	st := o.org(orgID)
	o.mu.Lock()
	st.analyzing++
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		st.analyzing--
		o.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Correlation.AnalysisBudget)
	defer cancel()

	events, connErrs := o.collectEvents(ctx, orgID, *tr)
	partial := errors.Is(ctx.Err(), context.DeadlineExceeded)

	findings := o.runner.Run(ctx, events)
	correlations := o.correlator.Correlate(ctx, events, findings)
	if !partial {
		partial = errors.Is(ctx.Err(), context.DeadlineExceeded)
	}

	chains := make([]*workflow.AutomationWorkflowChain, 0, len(correlations))
	for _, corr := range correlations {
		chain := o.builder.Build(corr)
		chain.RiskAssessment = o.assessor.AssessChain(chain)
		chain.RiskLevel = chain.RiskAssessment.OverallRisk
		chains = append(chains, chain)
	}
	assessment := o.assessor.AssessOrganization(orgID, chains)

	result := &CorrelationAnalysisResult{
		OrganizationID:   orgID,
		TimeRange:        *tr,
		GeneratedAt:      o.now().UTC(),
		ProcessingTime:   o.now().Sub(started),
		Chains:           chains,
		Findings:         findings,
		RiskAssessment:   assessment,
		Summary:          summarize(chains, events, findings),
		Partial:          partial,
		ConnectionErrors: connErrs,
	}

	o.mu.Lock()
	st.lastResult = result
	o.mu.Unlock()

	span.SetAttributes(
		attribute.Int("events.analyzed", len(events)),
		attribute.Int("chains.built", len(chains)),
		attribute.Bool("partial", partial),
	)
	o.recordAnalysisMetrics(orgID, result, correlations)

	o.logger.Info("correlation analysis completed",
		zap.String("org_id", orgID),
		zap.Int("events", len(events)),
		zap.Int("chains", len(chains)),
		zap.Bool("partial", partial),
		zap.Duration("took", result.ProcessingTime))
	return result, nil
}

func (o *Orchestrator) recordAnalysisMetrics(orgID string, result *CorrelationAnalysisResult, correlations []correlation.TemporalCorrelation) {
	if o.metrics == nil {
		return
	}

	o.metrics.AnalysisDuration.WithLabelValues(orgID).Observe(result.ProcessingTime.Seconds())
	if result.Partial {
		o.metrics.AnalysesPartial.Inc()
	}
	o.metrics.CompositeRiskScore.WithLabelValues(orgID).Set(float64(result.RiskAssessment.CompositeRiskScore))

	for _, f := range result.Findings {
		o.metrics.DetectorFindings.WithLabelValues(f.Detector, string(f.Severity)).Inc()
	}
	for _, corr := range correlations {
		o.metrics.CorrelationsFound.WithLabelValues(string(corr.Pattern)).Inc()
	}
	for _, chain := range result.Chains {
		o.metrics.ChainsBuilt.WithLabelValues(string(chain.RiskLevel)).Inc()
		for _, imp := range chain.RiskAssessment.ComplianceImpact.Frameworks {
			o.metrics.ComplianceViolations.WithLabelValues(imp.Framework, string(imp.Severity)).Inc()
		}
	}
}

// collectEvents fans out over the organization's connections, fetches raw
// activity, and normalizes it. Credential and quota failures are isolated
// per connection and reported, never fatal to the run.
func (o *Orchestrator) collectEvents(ctx context.Context, orgID string, tr TimeRange) ([]*event.MultiPlatformEvent, []ConnectionError) {
	conns, err := o.creds.ConnectionsForOrganization(ctx, orgID)
	if err != nil {
		o.logger.Warn("failed to list connections", zap.String("org_id", orgID), zap.Error(err))
		return nil, []ConnectionError{{Reason: fmt.Sprintf("list connections: %v", err)}}
	}

	var (
		mu       sync.Mutex
		events   []*event.MultiPlatformEvent
		connErrs []ConnectionError
	)
	fail := func(ce ConnectionError) {
		mu.Lock()
		connErrs = append(connErrs, ce)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, info := range conns {
		info := info
		g.Go(func() error {
			raws, cerr := o.fetchConnection(gctx, info, tr.Start)
			if cerr != nil {
				fail(*cerr)
				return nil
			}

			normalized, errs := o.normalizer.NormalizeBatch(raws)
			for _, nerr := range errs {
				o.logger.Debug("record skipped during normalization", zap.Error(nerr))
			}
			if o.metrics != nil && len(errs) > 0 {
				o.metrics.EventsDropped.WithLabelValues(string(info.Platform), "normalization").Add(float64(len(errs)))
			}

			mu.Lock()
			kept := 0
			for _, ev := range normalized {
				if !ev.Timestamp.Before(tr.Start) && ev.Timestamp.Before(tr.End) {
					events = append(events, ev)
					kept++
				}
			}
			mu.Unlock()
			if o.metrics != nil && kept > 0 {
				o.metrics.EventsCollected.WithLabelValues(string(info.Platform)).Add(float64(kept))
			}
			return nil
		})
	}
	_ = g.Wait() // workers report per-connection failures, never errors

	return events, connErrs
}

func (o *Orchestrator) fetchConnection(ctx context.Context, info credentials.StoredConnectionInfo, since time.Time) ([]connector.RawRecord, *ConnectionError) {
	conn, err := o.registry.Get(info.Platform)
	if err != nil {
		o.countFetchError(info.Platform, "no_connector")
		return nil, &ConnectionError{
			ConnectionID: info.ConnectionID,
			Platform:     info.Platform,
			Reason:       fmt.Sprintf("no connector registered for %s", info.Platform),
		}
	}

	if !o.creds.IsCredentialsValid(ctx, info.ConnectionID) {
		if _, err := o.creds.RefreshCredentials(ctx, info.ConnectionID); err != nil {
			var credErr *credentials.CredentialError
			reauth := errors.As(err, &credErr) && credErr.ReauthorizationRequired
			o.countFetchError(info.Platform, "credential_refresh")
			return nil, &ConnectionError{
				ConnectionID:            info.ConnectionID,
				Platform:                info.Platform,
				Reason:                  fmt.Sprintf("credential refresh failed: %v", err),
				ReauthorizationRequired: reauth,
			}
		}
	}

	apiType := apiTypeFor(info.Platform)
	if _, err := o.quota.Reserve(info.ConnectionID, info.Platform, apiType); err != nil {
		if o.metrics != nil {
			o.metrics.QuotaDeferred.WithLabelValues(string(info.Platform), apiType).Inc()
		}
		return nil, &ConnectionError{
			ConnectionID:  info.ConnectionID,
			Platform:      info.Platform,
			Reason:        err.Error(),
			QuotaDeferred: true,
		}
	}

	if err := o.pacer.Wait(ctx, info.ConnectionID); err != nil {
		o.countFetchError(info.Platform, "pacing")
		return nil, &ConnectionError{
			ConnectionID: info.ConnectionID,
			Platform:     info.Platform,
			Reason:       fmt.Sprintf("pacing interrupted: %v", err),
		}
	}

	fetchStart := o.now()
	raws, err := conn.FetchRecentActivity(ctx, info.ConnectionID, since)
	if o.metrics != nil {
		o.metrics.FetchDuration.WithLabelValues(string(info.Platform)).Observe(o.now().Sub(fetchStart).Seconds())
	}
	if err != nil {
		o.countFetchError(info.Platform, "fetch")
		return nil, &ConnectionError{
			ConnectionID: info.ConnectionID,
			Platform:     info.Platform,
			Reason:       fmt.Sprintf("activity fetch failed: %v", err),
		}
	}
	o.quota.RecordUsage(ctx, info.ConnectionID, info.Platform, apiType, 1)

	if o.metrics != nil {
		status := o.quota.CheckAvailability(info.ConnectionID, info.Platform, apiType)
		if status.Ceiling > 0 {
			o.metrics.QuotaUsage.WithLabelValues(string(info.Platform), apiType).
				Set(float64(status.QuotaUsed) / float64(status.Ceiling))
		}
	}
	return raws, nil
}

func (o *Orchestrator) countFetchError(platform connector.Platform, reason string) {
	if o.metrics != nil {
		o.metrics.FetchErrors.WithLabelValues(string(platform), reason).Inc()
	}
}

// apiTypeFor names the quota bucket each platform's activity feed draws on.
func apiTypeFor(p connector.Platform) string {
	switch p {
	case connector.PlatformSlack:
		return "audit_logs"
	case connector.PlatformGoogle:
		return "admin_reports"
	case connector.PlatformMicrosoft:
		return "graph"
	case connector.PlatformJira:
		return "audit"
	default:
		return "activity"
	}
}

func summarize(chains []*workflow.AutomationWorkflowChain, events []*event.MultiPlatformEvent, findings []detectors.Finding) Summary {
	s := Summary{
		TotalAutomationChains: len(chains),
		EventsAnalyzed:        len(events),
		DetectorFindings:      len(findings),
	}
	for _, chain := range chains {
		if len(chain.Platforms) > 1 {
			s.CrossPlatformChains++
		}
		s.HighestRisk = workflow.MaxRiskLevel(s.HighestRisk, chain.RiskLevel)
	}
	return s
}

// StartRealTimeMonitoring starts the background polling loop for an
// organization. Starting twice is a no-op against the existing session.
func (o *Orchestrator) StartRealTimeMonitoring(orgID string) {
	st := o.org(orgID)
	o.mu.Lock()
	if st.monitorCancel != nil {
		o.mu.Unlock()
		o.logger.Debug("monitoring already active", zap.String("org_id", orgID))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	st.monitorCancel = cancel
	done := make(chan struct{})
	st.monitorDone = done
	o.mu.Unlock()

	go o.monitorLoop(ctx, orgID, done)
	o.logger.Info("real-time monitoring started", zap.String("org_id", orgID))
}

// monitorLoop polls until stopped. Stop is checked at tick boundaries; an
// in-flight analysis always completes to a consistent result.
func (o *Orchestrator) monitorLoop(ctx context.Context, orgID string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.Monitoring.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			// The analysis carries its own budget, not the loop's
			// cancellation, so stopping never truncates a run.
			if _, err := o.ExecuteCorrelationAnalysis(context.Background(), orgID, nil); err != nil {
				o.logger.Warn("monitoring analysis failed",
					zap.String("org_id", orgID), zap.Error(err))
			}
		}
	}
}

// StopRealTimeMonitoring stops the monitoring loop. Stopping an inactive
// organization is a no-op.
func (o *Orchestrator) StopRealTimeMonitoring(orgID string) {
	st := o.org(orgID)
	o.mu.Lock()
	cancel := st.monitorCancel
	st.monitorCancel = nil
	st.monitorDone = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		o.logger.Info("real-time monitoring stopped", zap.String("org_id", orgID))
	}
}

// GetCorrelationStatus reports the organization's state without re-running
// analysis.
func (o *Orchestrator) GetCorrelationStatus(orgID string) OrgStatus {
	st := o.org(orgID)
	o.mu.Lock()
	defer o.mu.Unlock()

	status := OrgStatus{
		OrganizationID:   orgID,
		State:            StateIdle,
		MonitoringActive: st.monitorCancel != nil,
	}
	if st.monitorCancel != nil {
		status.State = StateMonitoring
	}
	if st.analyzing > 0 {
		status.State = StateAnalyzing
	}
	if st.lastResult != nil {
		status.LastAnalysisAt = st.lastResult.GeneratedAt
		status.LastChainCount = len(st.lastResult.Chains)
		status.LastCompositeScore = st.lastResult.RiskAssessment.CompositeRiskScore
		status.LastPartial = st.lastResult.Partial
	}
	return status
}

// ChainFilter selects chains from the latest analysis.
type ChainFilter struct {
	RiskLevel workflow.RiskLevel
	Platform  connector.Platform
	Limit     int
	Offset    int
}

// Chains returns a filtered, paginated view of the latest analysis's chains
// along with the total match count before pagination.
func (o *Orchestrator) Chains(orgID string, filter ChainFilter) ([]*workflow.AutomationWorkflowChain, int, error) {
	st := o.org(orgID)
	o.mu.Lock()
	last := st.lastResult
	o.mu.Unlock()
	if last == nil {
		return nil, 0, ErrNoAnalysisAvailable
	}

	var matched []*workflow.AutomationWorkflowChain
	for _, chain := range last.Chains {
		if filter.RiskLevel != "" && chain.RiskLevel != filter.RiskLevel {
			continue
		}
		if filter.Platform != "" && !chainTouches(chain, filter.Platform) {
			continue
		}
		matched = append(matched, chain)
	}
	total := len(matched)

	if filter.Offset > len(matched) {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func chainTouches(chain *workflow.AutomationWorkflowChain, p connector.Platform) bool {
	for _, cp := range chain.Platforms {
		if cp == p {
			return true
		}
	}
	return false
}

func (o *Orchestrator) lastResult(orgID string) *CorrelationAnalysisResult {
	st := o.org(orgID)
	o.mu.Lock()
	defer o.mu.Unlock()
	return st.lastResult
}
