// Package core wires every component (C1-C7 plus the optional add-ons)
// into the single value spec §9 describes: "a single Core value
// constructed at startup, holding every component, passed by
// reference rather than relying on package-level globals" — replacing
// the teacher's global-singleton pattern.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lakowske/ib-stream-sub000/internal/admission"
	"github.com/lakowske/ib-stream-sub000/internal/apierr"
	"github.com/lakowske/ib-stream-sub000/internal/archive"
	"github.com/lakowske/ib-stream-sub000/internal/buffer"
	"github.com/lakowske/ib-stream-sub000/internal/config"
	"github.com/lakowske/ib-stream-sub000/internal/contractlookup"
	"github.com/lakowske/ib-stream-sub000/internal/ibgateway"
	"github.com/lakowske/ib-stream-sub000/internal/metrics"
	"github.com/lakowske/ib-stream-sub000/internal/sessionstore"
	"github.com/lakowske/ib-stream-sub000/internal/storage"
	"github.com/lakowske/ib-stream-sub000/internal/stream"
	"github.com/lakowske/ib-stream-sub000/internal/supervisor"
	"github.com/lakowske/ib-stream-sub000/internal/tick"
	"github.com/lakowske/ib-stream-sub000/internal/tracker"
	"github.com/lakowske/ib-stream-sub000/internal/transport/sse"
	"github.com/lakowske/ib-stream-sub000/internal/transport/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Core holds every wired component for one running instance.
type Core struct {
	Cfg    *config.Config
	Logger zerolog.Logger

	Index      *storage.Index
	writers    writerCache
	Mux        *stream.Multiplexer
	Supervisor *supervisor.Supervisor
	Tracker    *tracker.Tracker
	Admission  *admission.Manager

	BufJSON   *buffer.Engine
	BufBinary *buffer.Engine

	ContractLookup contractlookup.Client
	SessionStore   sessionstore.Store
	Archiver       storage.Archiver

	client ibgateway.Client
}

// New constructs every component and wires their dependencies, but
// starts nothing — call Run to begin the service's background
// activity.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Core, error) {
	idx, err := storage.Reconstruct(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("reconstructing storage index: %w", err)
	}

	var arc storage.Archiver = noopArchiver{}
	if cfg.ArchiveS3Bucket != "" {
		a, err := archive.New(ctx, cfg.ArchiveS3Bucket, cfg.StoragePath, logger)
		if err != nil {
			return nil, fmt.Errorf("constructing S3 archiver: %w", err)
		}
		arc = a
	}

	sessStore, err := sessionstore.New(ctx, cfg.SessionStoreDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("constructing session store: %w", err)
	}

	c := &Core{
		Cfg:            cfg,
		Logger:         logger,
		Index:          idx,
		writers:        newWriterCache(cfg, idx, arc, logger),
		Archiver:       arc,
		SessionStore:   sessStore,
		ContractLookup: contractlookup.New(cfg.ContractLookupURL, logger),
	}

	c.Admission = admission.New(admission.Config{
		CPURejectPct: cfg.AdmissionCPURejectPct, CPUPausePct: cfg.AdmissionCPUPausePct,
		SafetyMargin: cfg.AdmissionSafetyMargin, MinConnections: cfg.MinConnections,
		MaxCapacity: cfg.MaxCapacity, Interval: cfg.CapacityInterval,
		PerIPConnectionCap: cfg.PerIPConnectionCap, PerConnectionSubCap: cfg.PerConnectionSubCap,
	}, logger)

	c.client = ibgateway.NewSimulator() // production wiring swaps this for ibgateway.NewRealClient() once the upstream library is available

	upstream := &clientUpstream{client: c.client}
	c.Mux = stream.NewMultiplexer(upstream, c.persist, cfg.TailRingSize, logger)

	c.client.OnTick(func(contractID int32, tickTypeLabel string, sysTsUS int64, fields tick.UpstreamFields) {
		r, err := tick.Encode(contractID, tickTypeLabel, sysTsUS, fields)
		if err != nil {
			logger.Warn().Err(err).Str("tick_type", tickTypeLabel).Msg("core: dropping tick with unrecognized type")
			return
		}
		metrics.TicksReceivedTotal.WithLabelValues(string(r.TickType)).Inc()
		c.Mux.Deliver(stream.Key{ContractID: r.ContractID, TickType: r.TickType}, r)
	})

	c.client.OnDisconnect(func(err error) {
		logger.Warn().Err(err).Msg("core: upstream session lost")
		for _, h := range c.Mux.Handles() {
			h.SessionLost()
		}
	})

	c.Tracker = tracker.New(c.Mux, cfg.DataStalenessThreshold, logger)

	c.Supervisor = supervisor.New(supervisor.Config{
		Hosts: []string{cfg.Host}, Ports: cfg.Ports, ClientID: cfg.ClientID,
		MonitorInterval: cfg.MonitorInterval, ReconnectInterval: cfg.ReconnectInterval,
		DataStalenessThreshold: cfg.DataStalenessThreshold, WarnThreshold: cfg.WarnThreshold,
		RestartThreshold: cfg.StreamRestartThreshold, ResetThreshold: cfg.ConnectionResetThreshold,
		CriticalThreshold: cfg.CriticalAlertThreshold,
	}, c.client, supervisor.Hooks{
		DataFlowing:          c.Tracker.DataFlowing,
		RestartStreamWorkers: c.restartStreamWorkers,
		RebuildAllStreams:    c.rebuildAllStreams,
		OnCriticalAlert: func(msg string) {
			logger.Error().Str("alert", msg).Bool("critical", true).Msg("core: critical alert")
		},
	}, logger)

	if cfg.EnableJSON {
		c.BufJSON = buffer.New(idx, storage.FormatJSONLines, logger)
	}
	if cfg.EnableBinary {
		c.BufBinary = buffer.New(idx, storage.FormatBinary, logger)
	}

	return c, nil
}

// persist is the Multiplexer's Persist callback: every delivered
// record is written to every enabled storage format, independent of
// subscriber fan-out (spec §4.2 invariant 2 "storage completeness" —
// a record is stored even with zero subscribers).
func (c *Core) persist(key stream.Key, r tick.Record) {
	if c.Cfg.EnableJSON {
		if w := c.writers.get(storage.FormatJSONLines, key); w != nil {
			if err := w.Append(r); err != nil {
				c.Logger.Error().Err(err).Int32("contract_id", key.ContractID).Str("tick_type", string(key.TickType)).Msg("storage: json-lines append failed")
				metrics.StorageWriteErrorsTotal.WithLabelValues(string(storage.FormatJSONLines)).Inc()
			}
		}
	}
	if c.Cfg.EnableBinary {
		if w := c.writers.get(storage.FormatBinary, key); w != nil {
			if err := w.Append(r); err != nil {
				c.Logger.Error().Err(err).Int32("contract_id", key.ContractID).Str("tick_type", string(key.TickType)).Msg("storage: binary append failed")
				metrics.StorageWriteErrorsTotal.WithLabelValues(string(storage.FormatBinary)).Inc()
			}
		}
	}
}

// restartStreamWorkers is escalation level 2's action: resubscribe
// every currently active handle's upstream subscription (spec §4.5).
func (c *Core) restartStreamWorkers(ctx context.Context) error {
	for key, h := range c.Mux.Handles() {
		var err error
		ibgateway.WithClientLock(func() {
			_, err = c.client.Subscribe(ctx, key.ContractID, key.TickType)
		})
		if err != nil {
			c.Logger.Error().Err(err).Int32("contract_id", key.ContractID).Msg("restart stream worker: resubscribe failed")
		}
		h.Restored()
	}
	return nil
}

// rebuildAllStreams is level 3/4's action, run after a full
// reconnect: mark every handle restored so subscribers resume
// receiving fan-out (spec §4.5 "Reconnection").
func (c *Core) rebuildAllStreams(ctx context.Context) error {
	return c.restartStreamWorkers(ctx)
}

// Run starts every supervised background activity: the upstream
// session, the health monitor, the admission-control sampler, and the
// background tracker's subscriptions.
func (c *Core) Run(ctx context.Context) error {
	if err := c.Supervisor.Connect(ctx); err != nil {
		return fmt.Errorf("initial upstream connect: %w", err)
	}

	contracts, err := c.Cfg.TrackedContracts()
	if err != nil {
		return fmt.Errorf("parsing tracked_contracts: %w", err)
	}
	c.Tracker.Start(contracts)

	supervisor.Supervise(ctx, "health-monitor", c.Cfg.TaskRestartBackoff, c.Logger, c.Supervisor.MonitorTask)
	supervisor.Supervise(ctx, "admission-sampler", c.Cfg.TaskRestartBackoff, c.Logger, c.Admission.Run)

	return nil
}

// Router assembles the HTTP surface (spec §6.1).
func (c *Core) Router() http.Handler {
	mux := http.NewServeMux()

	wsHandler := ws.NewHandler(ws.Deps{Mux: c.Mux, Buf: c.BufJSON, Admission: c.Admission, Logger: c.Logger})
	sseHandler := sse.NewHandler(sse.Deps{Mux: c.Mux, Buf: c.BufJSON, Admission: c.Admission, Logger: c.Logger})

	mux.Handle("/ws/stream", wsHandler)
	mux.Handle("/stream/", sseHandler)

	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/admission/status", c.handleAdmissionStatus)
	mux.HandleFunc("/buffer/", c.handleBuffer)
	mux.HandleFunc("/background/status", c.handleBackgroundStatus)
	mux.HandleFunc("/background/health/", c.handleBackgroundHealth)

	return mux
}

// MetricsRouter serves Prometheus metrics on a separate listener,
// matching the teacher's split between the subscriber-facing port and
// the operational metrics port.
func (c *Core) MetricsRouter(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// healthResponse matches spec §6.1's documented /health shape exactly:
// {status, tws_connected, background_streaming{status, data_flowing},
// storage{enabled, formats}}.
type healthResponse struct {
	Status              string             `json:"status"`
	TWSConnected        bool               `json:"tws_connected"`
	BackgroundStreaming backgroundStreaming `json:"background_streaming"`
	Storage             storageHealth      `json:"storage"`
}

type backgroundStreaming struct {
	Status      string `json:"status"`
	DataFlowing bool   `json:"data_flowing"`
}

type storageHealth struct {
	Enabled bool     `json:"enabled"`
	Formats []string `json:"formats"`
}

// escalationStatusLabel maps C5's numeric escalation level to the
// status label spec §4.5/S5 names directly ("critical" at level 4).
func escalationStatusLabel(level int) string {
	switch {
	case level == 0:
		return "healthy"
	case level >= 4:
		return "critical"
	default:
		return "degraded"
	}
}

func (c *Core) handleHealth(w http.ResponseWriter, r *http.Request) {
	dataFlowing := c.Tracker.DataFlowing()
	level := c.Supervisor.Level()

	formats := make([]string, 0, 2)
	if c.Cfg.EnableJSON {
		formats = append(formats, string(storage.FormatJSONLines))
	}
	if c.Cfg.EnableBinary {
		formats = append(formats, string(storage.FormatBinary))
	}

	resp := healthResponse{
		Status:       escalationStatusLabel(level),
		TWSConnected: c.Supervisor.Connected(),
		BackgroundStreaming: backgroundStreaming{
			Status:      escalationStatusLabel(level),
			DataFlowing: dataFlowing,
		},
		Storage: storageHealth{
			Enabled: c.Cfg.EnableJSON || c.Cfg.EnableBinary,
			Formats: formats,
		},
	}
	writeCoreJSON(w, resp)
}

func (c *Core) handleAdmissionStatus(w http.ResponseWriter, r *http.Request) {
	writeCoreJSON(w, c.Admission.Status())
}

// bufferFormat picks whichever enabled storage format C3 queries
// against, preferring JSON-Lines since it is the human-inspectable
// default (spec §6.2: "at least one required for a historical buffer").
func (c *Core) bufferFormat() (*buffer.Engine, storage.Format) {
	if c.BufJSON != nil {
		return c.BufJSON, storage.FormatJSONLines
	}
	return c.BufBinary, storage.FormatBinary
}

// handleBuffer dispatches spec §6.1's /buffer/{contract_id}/range and
// /buffer/{contract_id}/info routes, since the teacher's stack routes
// with a bare http.ServeMux rather than a path-parameter router.
func (c *Core) handleBuffer(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "buffer" {
		http.NotFound(w, r)
		return
	}
	contractID, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		writeCoreJSONError(w, apierr.InvalidContract(0))
		return
	}

	switch parts[2] {
	case "range":
		c.handleBufferRange(w, r, int32(contractID))
	case "info":
		c.handleBufferInfo(w, r, int32(contractID))
	default:
		http.NotFound(w, r)
	}
}

// handleBufferRange implements spec §6.1's historical range query:
// query params tick_types (CSV, default "last"), start_time, end_time
// (RFC 3339).
func (c *Core) handleBufferRange(w http.ResponseWriter, r *http.Request, contractID int32) {
	eng, _ := c.bufferFormat()
	if eng == nil {
		writeCoreJSONError(w, apierr.InvalidRange("no storage format enabled"))
		return
	}

	q := r.URL.Query()
	startStr, endStr := q.Get("start_time"), q.Get("end_time")
	if startStr == "" || endStr == "" {
		writeCoreJSONError(w, apierr.InvalidRange("start_time and end_time are required"))
		return
	}
	start, err := time.Parse(time.RFC3339Nano, startStr)
	if err != nil {
		writeCoreJSONError(w, apierr.InvalidRange("invalid start_time: "+err.Error()))
		return
	}
	end, err := time.Parse(time.RFC3339Nano, endStr)
	if err != nil {
		writeCoreJSONError(w, apierr.InvalidRange("invalid end_time: "+err.Error()))
		return
	}
	tr := buffer.TimeRange{StartUS: start.UnixMicro(), EndUS: end.UnixMicro(), IncludeOpenFile: end.After(time.Now())}

	labels := []string{string(tick.Last)}
	if q.Get("tick_types") != "" {
		labels = strings.Split(q.Get("tick_types"), ",")
	}

	results := make(map[string][]tick.WirePayload, len(labels))
	for _, label := range labels {
		tt, err := tick.NormalizeType(strings.TrimSpace(label))
		if err != nil {
			writeCoreJSONError(w, apierr.UnknownTickType(label))
			return
		}

		var tailSrc buffer.TailSource
		if h, ok := c.Mux.Get(stream.Key{ContractID: contractID, TickType: tt}); ok {
			tailSrc = h
		}
		recs, err := eng.Query(contractID, tt, tr, buffer.Options{IncludeTail: tailSrc != nil}, tailSrc)
		if err != nil {
			writeCoreJSONError(w, apierr.InvalidRange(err.Error()))
			return
		}

		payloads := make([]tick.WirePayload, 0, len(recs))
		for _, rec := range recs {
			payloads = append(payloads, rec.ToWirePayload())
		}
		results[string(tt)] = payloads
	}

	writeCoreJSON(w, map[string]interface{}{"contract_id": contractID, "results": results})
}

type bufferInfoEntry struct {
	TickType        string `json:"tick_type"`
	Tracked         bool   `json:"tracked"`
	PartitionFiles  int    `json:"partition_files"`
	RecordCount     int64  `json:"record_count"`
	EarliestEventUS int64  `json:"earliest_event_ts_us,omitempty"`
	LatestEventUS   int64  `json:"latest_event_ts_us,omitempty"`
}

// handleBufferInfo reports spec §6.1's "available buffer duration,
// tracked status, recent statistics" for every tick type this contract
// is tracked under (or just "last" if it isn't tracked at all).
func (c *Core) handleBufferInfo(w http.ResponseWriter, r *http.Request, contractID int32) {
	_, format := c.bufferFormat()

	tickTypes := c.trackedTickTypes(contractID)
	if len(tickTypes) == 0 {
		tickTypes = []tick.Type{tick.Last}
	}

	out := make([]bufferInfoEntry, 0, len(tickTypes))
	for _, tt := range tickTypes {
		key := storage.Key{ContractID: contractID, TickType: tt, Format: format}
		entries := c.Index.Entries(key)

		e := bufferInfoEntry{TickType: string(tt), Tracked: c.isTracked(contractID, tt)}
		for _, en := range entries {
			e.PartitionFiles++
			e.RecordCount += en.RecordCount
			if e.EarliestEventUS == 0 || en.FirstEventTsUS < e.EarliestEventUS {
				e.EarliestEventUS = en.FirstEventTsUS
			}
			if en.LastEventTsUS > e.LatestEventUS {
				e.LatestEventUS = en.LastEventTsUS
			}
		}
		out = append(out, e)
	}

	writeCoreJSON(w, map[string]interface{}{"contract_id": contractID, "tick_types": out})
}

func (c *Core) trackedTickTypes(contractID int32) []tick.Type {
	var out []tick.Type
	for _, e := range c.Tracker.Entries() {
		if e.ContractID == contractID {
			out = append(out, e.TickType)
		}
	}
	return out
}

func (c *Core) isTracked(contractID int32, tt tick.Type) bool {
	for _, e := range c.Tracker.Entries() {
		if e.ContractID == contractID && e.TickType == tt {
			return true
		}
	}
	return false
}

type backgroundEntryStatus struct {
	ContractID         int32   `json:"contract_id"`
	Symbol              string  `json:"symbol"`
	TickType            string  `json:"tick_type"`
	BufferHours         int     `json:"buffer_hours"`
	NeverTicked         bool    `json:"never_ticked,omitempty"`
	LastTickAgeSeconds  float64 `json:"last_tick_age_seconds,omitempty"`
}

// handleBackgroundStatus implements spec §6.1's per-contract tracker
// state listing.
func (c *Core) handleBackgroundStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UnixMicro()
	entries := c.Tracker.Entries()
	out := make([]backgroundEntryStatus, 0, len(entries))
	for _, e := range entries {
		st := backgroundEntryStatus{
			ContractID: e.ContractID, Symbol: e.SymbolLabel,
			TickType: string(e.TickType), BufferHours: e.BufferHours,
		}
		if last := e.Handle.LastEventTsUS(); last == 0 {
			st.NeverTicked = true
		} else {
			st.LastTickAgeSeconds = (time.Duration(now-last) * time.Microsecond).Seconds()
		}
		out = append(out, st)
	}
	writeCoreJSON(w, map[string]interface{}{"tracked": out})
}

// handleBackgroundHealth implements spec §6.1's per-contract health
// classification route: /background/health/{contract_id}, reporting
// each of the contract's tracked tick types against the configured
// staleness threshold plus whether its market is currently in its
// regular US session (the market-hours context spec asks for).
func (c *Core) handleBackgroundHealth(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "background" || parts[1] != "health" {
		http.NotFound(w, r)
		return
	}
	contractID64, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil {
		writeCoreJSONError(w, apierr.InvalidContract(0))
		return
	}
	contractID := int32(contractID64)

	now := time.Now()
	nowUS := now.UnixMicro()
	marketOpen, err := buffer.ResolveNamedSession("us_regular", now)
	inRegularSession := err == nil && nowUS >= marketOpen.StartUS && nowUS <= marketOpen.EndUS

	entries := c.Tracker.Entries()
	type tickHealth struct {
		TickType    string `json:"tick_type"`
		DataFlowing bool   `json:"data_flowing"`
		NeverTicked bool   `json:"never_ticked,omitempty"`
	}
	var ticks []tickHealth
	for _, e := range entries {
		if e.ContractID != contractID {
			continue
		}
		last := e.Handle.LastEventTsUS()
		th := tickHealth{TickType: string(e.TickType)}
		if last == 0 {
			th.NeverTicked = true
		} else {
			th.DataFlowing = time.Duration(nowUS-last)*time.Microsecond <= c.Cfg.DataStalenessThreshold
		}
		ticks = append(ticks, th)
	}
	if len(ticks) == 0 {
		writeCoreJSONError(w, apierr.InvalidContract(contractID))
		return
	}

	writeCoreJSON(w, map[string]interface{}{
		"contract_id":         contractID,
		"in_regular_session":  inRegularSession,
		"tick_types":          ticks,
	})
}

func writeCoreJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeCoreJSONError(w http.ResponseWriter, kind apierr.Kind) {
	status := http.StatusBadRequest
	switch kind.Kind() {
	case apierr.KindUpstreamDisconnected:
		status = http.StatusServiceUnavailable
	case apierr.KindRateLimitExceeded:
		status = http.StatusTooManyRequests
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": kind.Kind(), "message": kind.Error()})
}

// clientUpstream adapts ibgateway.Client (context-taking, per spec §5's
// mutex-serialized third-party API) to stream.Upstream (the
// Multiplexer's narrower, context-free contract), serializing every
// call behind ibgateway.WithClientLock.
type clientUpstream struct{ client ibgateway.Client }

func (u *clientUpstream) Subscribe(contractID int32, tt tick.Type) (int32, error) {
	var reqID int32
	var err error
	ibgateway.WithClientLock(func() {
		reqID, err = u.client.Subscribe(context.Background(), contractID, tt)
	})
	return reqID, err
}

func (u *clientUpstream) Unsubscribe(requestID int32) error {
	var err error
	ibgateway.WithClientLock(func() {
		err = u.client.Unsubscribe(context.Background(), requestID)
	})
	return err
}

// noopArchiver disables archival when no archive_s3_bucket is
// configured; identical in effect to storage's own unexported
// noopArchiver, duplicated here since that type is unexported.
type noopArchiver struct{}

func (noopArchiver) Archive(string) {}

// writerCache lazily constructs and caches one storage.Writer per
// (format, stream.Key), since the teacher's per-contract writer
// lifetime is unknown until a contract is first seen (background
// tracker or a live subscription).
type writerCache struct {
	mu      sync.Mutex
	root    string
	idx     *storage.Index
	arc     storage.Archiver
	logger  zerolog.Logger
	writers map[cacheKey]storage.Writer
}

type cacheKey struct {
	format     storage.Format
	contractID int32
	tickType   tick.Type
}

func newWriterCache(cfg *config.Config, idx *storage.Index, arc storage.Archiver, logger zerolog.Logger) writerCache {
	return writerCache{root: cfg.StoragePath, idx: idx, arc: arc, logger: logger, writers: make(map[cacheKey]storage.Writer)}
}

func (wc *writerCache) get(format storage.Format, key stream.Key) storage.Writer {
	ck := cacheKey{format: format, contractID: key.ContractID, tickType: key.TickType}

	wc.mu.Lock()
	defer wc.mu.Unlock()

	if w, ok := wc.writers[ck]; ok {
		return w
	}

	var w storage.Writer
	switch format {
	case storage.FormatBinary:
		w = storage.NewBinaryWriter(wc.root, key.ContractID, key.TickType, wc.idx, wc.arc, wc.logger)
	default:
		w = storage.NewJSONLinesWriter(wc.root, key.ContractID, key.TickType, wc.idx, wc.arc, wc.logger)
	}
	wc.writers[ck] = w
	return w
}
