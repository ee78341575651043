package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/newsdedup/internal/auth"
	"horse.fit/newsdedup/internal/clock"
	"horse.fit/newsdedup/internal/db"
	"horse.fit/newsdedup/internal/merge"
	"horse.fit/newsdedup/internal/payload"
	"horse.fit/newsdedup/internal/pipeline"
	"horse.fit/newsdedup/internal/record"
)

const (
	defaultStatsHours = 24
	maxStatsHours     = 24 * 90
	defaultRunsLimit  = 20
	maxRunsLimit      = 200
	maxRequestBody    = "32M"
)

type Options struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	RunTimeout         time.Duration
	CORSAllowedOrigins []string
	// APITokenHash is a bcrypt hash; when set, run requests need the token.
	APITokenHash string
}

// Runner executes one dedup pass. *pipeline.Service satisfies it.
type Runner interface {
	Run(ctx context.Context, params pipeline.RunParams) (pipeline.RunResult, error)
}

// DatasetReader is the read side of a dataset. *db.RecordStore satisfies it.
type DatasetReader interface {
	DecisionStats(ctx context.Context, hours int) ([]db.DecisionStat, error)
	ListRuns(ctx context.Context, limit int) ([]db.DedupRun, error)
}

type ReaderFactory func(dataset string) (DatasetReader, error)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Runner         Runner
	Readers        ReaderFactory
	Health         Pinger
	MetricsHandler http.Handler
	Clock          clock.Clock
}

type Server struct {
	deps   Deps
	clock  clock.Clock
	logger zerolog.Logger
	opts   Options
}

type runRequest struct {
	SourceTypes   []string                     `json:"source_types"`
	LookbackHours int                          `json:"lookback_hours"`
	Batches       map[string][]json.RawMessage `json:"batches"`
}

type runResponse struct {
	Report      any             `json:"report"`
	FinalUnique []record.Record `json:"final_unique"`
	Rejected    []rejectedItem  `json:"rejected,omitempty"`
}

type rejectedItem struct {
	SourceType string `json:"source_type"`
	Index      int    `json:"index"`
	Error      string `json:"error"`
}

func NewServer(deps Deps, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Minute
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	opts.Host = host
	opts.Port = port

	return &Server{
		deps:   deps,
		clock:  clock.OrSystem(deps.Clock),
		logger: logger.With().Str("component", "httpapi").Logger(),
		opts:   opts,
	}
}

// Handler builds the echo router. Start serves it; tests call it directly.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	allowOrigins := s.opts.CORSAllowedOrigins
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"*"}
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxRequestBody))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Info()
			msg := "http request"
			if v.Error != nil {
				event = s.logger.Error().Err(v.Error)
				msg = "http request failed"
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg(msg)
			return nil
		},
	}))

	if s.deps.MetricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.MetricsHandler))
	}

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/datasets/:dataset/stats", s.handleStats)
	api.GET("/datasets/:dataset/runs", s.handleListRuns)
	api.POST("/datasets/:dataset/runs", s.handleRun, s.requireToken())
	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.deps.Runner == nil || s.deps.Readers == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.Handler()
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Bool("token_auth", s.opts.APITokenHash != "").Msg("newsdedup api started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("newsdedup api stopped")
	return nil
}

func (s *Server) requireToken() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if strings.TrimSpace(s.opts.APITokenHash) == "" {
				return next(c)
			}
			token, ok := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok || !auth.VerifyToken(token, s.opts.APITokenHash) {
				return fail(c, http.StatusUnauthorized, "Authentication required", nil)
			}
			return next(c)
		}
	}
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if v, ok := he.Message.(string); ok && strings.TrimSpace(v) != "" {
			message = v
		} else if text := strings.TrimSpace(http.StatusText(status)); text != "" {
			message = text
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	data := map[string]any{
		"service": "newsdedup",
		"time":    s.clock.Now(),
	}
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			s.logger.Error().Err(err).Msg("health ping failed")
			return internalError(c, "Database unavailable")
		}
		data["database"] = "ok"
	}
	return success(c, data)
}

func (s *Server) handleStats(c echo.Context) error {
	hours, err := parsePositiveInt(c.QueryParam("hours"), defaultStatsHours, 1, maxStatsHours)
	if err != nil {
		return failValidation(c, map[string]string{"hours": err.Error()})
	}
	dataset, reader, err := s.reader(c)
	if err != nil {
		return failValidation(c, map[string]string{"dataset": err.Error()})
	}

	stats, err := reader.DecisionStats(c.Request().Context(), hours)
	if err != nil {
		s.logger.Error().Err(err).Str("dataset", dataset).Msg("query decision stats failed")
		return internalError(c, "Failed to load decision stats")
	}
	return success(c, map[string]any{
		"dataset": dataset,
		"hours":   hours,
		"items":   stats,
	})
}

func (s *Server) handleListRuns(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultRunsLimit, 1, maxRunsLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	dataset, reader, err := s.reader(c)
	if err != nil {
		return failValidation(c, map[string]string{"dataset": err.Error()})
	}

	runs, err := reader.ListRuns(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Str("dataset", dataset).Msg("list runs failed")
		return internalError(c, "Failed to load runs")
	}
	return success(c, map[string]any{
		"dataset": dataset,
		"limit":   limit,
		"items":   runs,
	})
}

func (s *Server) handleRun(c echo.Context) error {
	dataset := normalizeDataset(c.Param("dataset"))
	if dataset == "" {
		return failValidation(c, map[string]string{"dataset": "is required"})
	}

	var req runRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return failValidation(c, map[string]string{"body": "must be a JSON object"})
	}
	if req.LookbackHours < 0 {
		return failValidation(c, map[string]string{"lookback_hours": "must be >= 0"})
	}

	params := pipeline.RunParams{
		Dataset:       dataset,
		LookbackHours: req.LookbackHours,
		SourceTypes:   req.SourceTypes,
		Batches:       make(map[string][]record.Record, len(req.Batches)),
		Rejected:      make(map[string]int),
	}
	var rejected []rejectedItem
	sourceTypes := make([]string, 0, len(req.Batches))
	for sourceType := range req.Batches {
		sourceTypes = append(sourceTypes, sourceType)
	}
	sort.Strings(sourceTypes)
	for _, sourceType := range sourceTypes {
		items := req.Batches[sourceType]
		normalized := merge.NormalizeSourceType(sourceType)
		if normalized == "" {
			return failValidation(c, map[string]string{"batches": "source type keys must not be blank"})
		}
		for i, item := range items {
			rec, err := payload.Normalize(item)
			if err != nil {
				params.Rejected[normalized]++
				rejected = append(rejected, rejectedItem{SourceType: normalized, Index: i, Error: err.Error()})
				continue
			}
			params.Batches[normalized] = append(params.Batches[normalized], rec)
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.opts.RunTimeout)
	defer cancel()

	result, err := s.deps.Runner.Run(ctx, params)
	if err != nil {
		if pipeline.IsBusy(err) {
			return failConflict(c, fmt.Sprintf("A run for dataset %q is already in progress", dataset))
		}
		s.logger.Error().Err(err).Str("dataset", dataset).Msg("dedup run failed")
		return internalErrorWithData(c, "Dedup run failed", runResponse{Report: result.Report, Rejected: rejected})
	}

	finalUnique := result.FinalUnique
	if finalUnique == nil {
		finalUnique = []record.Record{}
	}
	return success(c, runResponse{
		Report:      result.Report,
		FinalUnique: finalUnique,
		Rejected:    rejected,
	})
}

func (s *Server) reader(c echo.Context) (string, DatasetReader, error) {
	dataset := normalizeDataset(c.Param("dataset"))
	if dataset == "" {
		return "", nil, fmt.Errorf("is required")
	}
	reader, err := s.deps.Readers(dataset)
	if err != nil {
		return "", nil, err
	}
	return dataset, reader, nil
}

func normalizeDataset(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}
