package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/hatlonely/schemax/differ"
	"github.com/hatlonely/schemax/log"
	"github.com/hatlonely/schemax/ref"
	"github.com/hatlonely/schemax/schema"
	"github.com/hatlonely/schemax/transform"
	"github.com/hatlonely/schemax/version"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ObservableExecutorOptions struct {
	// Executor 被包装的执行器
	Executor *ref.TypeOptions `cfg:"executor" validate:"required"`

	Logger *ref.TypeOptions `cfg:"logger"`

	EnableMetrics bool `cfg:"enableMetrics" def:"true"`
	EnableLogging bool `cfg:"enableLogging" def:"true"`
	EnableTracing bool `cfg:"enableTracing" def:"false"`

	// Name 指标名前缀、日志 component 字段和 span 属性
	Name string `cfg:"name" def:"schemax"`
}

// ExecutorMetrics 执行器的 prometheus 指标
type ExecutorMetrics struct {
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	operations        *prometheus.CounterVec
	batchSize         prometheus.Histogram
}

// NewExecutorMetrics 同名指标已注册时复用已有的 collector
func NewExecutorMetrics(name string, registerer prometheus.Registerer) *ExecutorMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &ExecutorMetrics{
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_executions_total",
				Help: "Total number of migration executions",
			},
			[]string{"dialect", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name + "_execution_duration_seconds",
				Help:    "Duration of migration executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"dialect"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_operations_total",
				Help: "Total number of schema operations submitted",
			},
			[]string{"dialect", "kind"},
		),
		batchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    name + "_execution_operations",
				Help:    "Number of operations per execution",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
			},
		),
	}
	m.executions = register(registerer, m.executions)
	m.executionDuration = register(registerer, m.executionDuration)
	m.operations = register(registerer, m.operations)
	m.batchSize = register(registerer, m.batchSize)
	return m
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// ObservableExecutor 装饰器，为任何 Executor 添加指标、日志和追踪
type ObservableExecutor struct {
	executor Executor

	logger  log.Logger
	metrics *ExecutorMetrics
	tracer  trace.Tracer
	name    string
}

func NewObservableExecutorWithOptions(options *ObservableExecutorOptions) (*ObservableExecutor, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	exec, err := NewExecutorWithOptions(options.Executor)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create underlying executor")
	}

	var logger log.Logger
	if options.EnableLogging {
		l, err := log.NewLoggerWithOptions(options.Logger)
		if err != nil {
			exec.Close()
			return nil, errors.WithMessage(err, "failed to create logger")
		}
		logger = l
	}
	var metrics *ExecutorMetrics
	if options.EnableMetrics {
		metrics = NewExecutorMetrics(options.Name, nil)
	}
	var tracer trace.Tracer
	if options.EnableTracing {
		tracer = otel.Tracer(fmt.Sprintf("executor.%s", options.Name))
	}
	return NewObservableExecutor(exec, options.Name, logger, metrics, tracer), nil
}

// NewObservableExecutor logger、metrics、tracer 为 nil 时对应的观测关闭
func NewObservableExecutor(exec Executor, name string, logger log.Logger, metrics *ExecutorMetrics, tracer trace.Tracer) *ObservableExecutor {
	if logger != nil {
		logger = logger.WithGroup("observableExecutor")
	}
	return &ObservableExecutor{
		executor: exec,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		name:     name,
	}
}

func (obs *ObservableExecutor) Unwrap() Executor                  { return obs.executor }
func (obs *ObservableExecutor) Name() string                      { return obs.executor.Name() }
func (obs *ObservableExecutor) Family() schema.Family             { return obs.executor.Family() }
func (obs *ObservableExecutor) Capabilities() differ.Capabilities { return obs.executor.Capabilities() }
func (obs *ObservableExecutor) Passes() []transform.Pass          { return obs.executor.Passes() }
func (obs *ObservableExecutor) Versions() version.Store           { return obs.executor.Versions() }
func (obs *ObservableExecutor) Close() error                      { return obs.executor.Close() }

func (obs *ObservableExecutor) CompileToText(ops []schema.Operation) (string, error) {
	return obs.executor.CompileToText(ops)
}

func (obs *ObservableExecutor) Execute(ctx context.Context, ops []schema.Operation) error {
	start := time.Now()
	dialect := obs.executor.Name()

	var span trace.Span
	if obs.tracer != nil {
		ctx, span = obs.tracer.Start(ctx, "executor.execute",
			trace.WithAttributes(
				attribute.String("component", obs.name),
				attribute.String("dialect", dialect),
				attribute.Int("operations", len(ops)),
			),
		)
		defer span.End()
	}

	if obs.metrics != nil {
		obs.metrics.batchSize.Observe(float64(len(ops)))
		for _, op := range ops {
			obs.metrics.operations.WithLabelValues(dialect, string(op.Kind())).Inc()
		}
	}

	err := obs.executor.Execute(ctx, ops)
	duration := time.Since(start)

	if span != nil {
		span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	if obs.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		obs.metrics.executions.WithLabelValues(dialect, status).Inc()
		obs.metrics.executionDuration.WithLabelValues(dialect).Observe(duration.Seconds())
	}

	if obs.logger != nil {
		if err != nil {
			args := []any{
				"component", obs.name,
				"dialect", dialect,
				"operations", len(ops),
				"duration_ms", duration.Milliseconds(),
				"error", err.Error(),
			}
			var opErr *OperationError
			if errors.As(err, &opErr) {
				args = append(args, "index", opErr.Index, "op", schema.Describe(opErr.Operation))
			}
			obs.logger.ErrorContext(ctx, "execute failed", args...)
		} else {
			obs.logger.InfoContext(ctx, "execute completed",
				"component", obs.name,
				"dialect", dialect,
				"operations", len(ops),
				"duration_ms", duration.Milliseconds(),
			)
		}
	}

	return err
}

var _ Executor = (*ObservableExecutor)(nil)
