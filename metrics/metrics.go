package metrics

import (
	"io"
	"net/http"
	"time"

	"github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"
)

type WriteState string

const (
	StateIdle           WriteState = "Idle"
	StateVersionWriting WriteState = "VersionWriting"
	StateRowWriting     WriteState = "RowWriting"
	StateCommitted      WriteState = "Committed"
)

type MetricsRegistry struct {
	scope    tally.Scope
	closer   io.Closer
	reporter promreporter.Reporter
}

func NewMetricRegistry(prefix string) *MetricsRegistry {
	r := promreporter.NewReporter(promreporter.Options{})

	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         prefix,
		Tags:           map[string]string{},
		CachedReporter: r,
		Separator:      promreporter.DefaultSeparator,
	}, 1*time.Second)

	return &MetricsRegistry{
		scope:    scope,
		closer:   closer,
		reporter: r,
	}
}

// NewTestRegistry records into an in-memory scope whose snapshot tests can
// inspect.
func NewTestRegistry() (*MetricsRegistry, tally.TestScope) {
	scope := tally.NewTestScope("", map[string]string{})
	return &MetricsRegistry{
		scope:  scope,
		closer: io.NopCloser(nil),
	}, scope
}

func NewNoopRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		scope:  tally.NoopScope,
		closer: io.NopCloser(nil),
	}
}

func (r *MetricsRegistry) Close() error {
	return r.closer.Close()
}

func (r *MetricsRegistry) UpdateTableSyncCount() {
	r.scope.Tagged(map[string]string{}).Counter("table_sync_count").Inc(1)
}

func (r *MetricsRegistry) TimeTableSync(f func() error) error {
	tsw := r.scope.Tagged(map[string]string{}).Timer("table_sync_timer").Start()
	err := f()
	tsw.Stop()
	return err
}

func (r *MetricsRegistry) TimeTableOperation(op string, f func() error) error {
	r.scope.Tagged(map[string]string{"op": op}).Counter("table_operation_count").Inc(1)
	tsw := r.scope.Tagged(map[string]string{"op": op}).Timer("table_operation_timer").Start()
	err := f()
	tsw.Stop()
	if err != nil {
		r.scope.Tagged(map[string]string{"op": op}).Counter("table_operation_errors").Inc(1)
	}
	return err
}

func (r *MetricsRegistry) CountTableConflict(op string) {
	r.scope.Tagged(map[string]string{"op": op}).Counter("table_conflict_count").Inc(1)
}

func (r *MetricsRegistry) CountWriteState(state WriteState) {
	r.scope.Tagged(map[string]string{"state": string(state)}).Counter("table_write_state").Inc(1)
}

func (r *MetricsRegistry) CountRepair(outcome string) {
	r.scope.Tagged(map[string]string{"outcome": outcome}).Counter("table_repair_count").Inc(1)
}

func (r *MetricsRegistry) CountHeartbeatDropped() {
	r.scope.Tagged(map[string]string{}).Counter("heartbeat_dropped_count").Inc(1)
}

func (r *MetricsRegistry) CountDefunctRemoved(n int) {
	r.scope.Tagged(map[string]string{}).Counter("defunct_removed_count").Inc(int64(n))
}

func (r *MetricsRegistry) UpdateGatewayCount(n int) {
	r.scope.Tagged(map[string]string{}).Counter("gateway_refresh_count").Inc(1)
	r.scope.Tagged(map[string]string{}).Gauge("gateway_count").Update(float64(n))
}

func (r *MetricsRegistry) TimeGrainStorage(op string, f func() error) error {
	r.scope.Tagged(map[string]string{"op": op}).Counter("grain_storage_count").Inc(1)
	tsw := r.scope.Tagged(map[string]string{"op": op}).Timer("grain_storage_timer").Start()
	err := f()
	tsw.Stop()
	return err
}

func (r *MetricsRegistry) CountGrainConflict() {
	r.scope.Tagged(map[string]string{}).Counter("grain_conflict_count").Inc(1)
}

func (r *MetricsRegistry) Handler() http.Handler {
	if r.reporter == nil {
		return http.NotFoundHandler()
	}
	return r.reporter.HTTPHandler()
}
