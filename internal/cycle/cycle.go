// Package cycle runs one wake cycle of the frame: obtain the image, decide
// whether it changed, render it with bounded retries and record the
// outcome.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"photoframe/internal/capture"
	"photoframe/internal/config"
	"photoframe/internal/convert"
	"photoframe/internal/fault"
	"photoframe/internal/fetch"
	"photoframe/internal/framebuffer"
	appLog "photoframe/internal/log"
	"photoframe/internal/power"
	"photoframe/internal/raster"
	"photoframe/internal/render"
)

// Status strings and codes for outcomes outside the render fault taxonomy.
const (
	StatusOK        = "ok"
	StatusUnchanged = "unchanged"
	StatusFetch     = "fetch-failed"
	StatusCapture   = "capture-failed"

	CodeFetch   = 1
	CodeCapture = 2
)

// Renderer is the display side of a cycle. *render.Driver implements it.
type Renderer interface {
	Init() error
	Render(raw []byte, opts render.RawOptions) (render.Result, error)
	RenderRaster(pix []byte, width, height int, opts render.RawOptions) (render.Result, error)
	Reflush() error
	Recover() error
	Sleep() error
	Close() error
	Frame() *framebuffer.Buffer
}

// Fetcher downloads the image. *fetch.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, previousSHA string) (fetch.Result, error)
}

// CaptureFunc screenshots a page and returns PNG bytes.
type CaptureFunc func(ctx context.Context, url string) ([]byte, error)

// Status is the outcome of the last cycle, as exposed over HTTP.
type Status struct {
	OK           bool         `json:"ok"`
	Status       string       `json:"status"`
	Code         int          `json:"code"`
	LastError    string       `json:"last_error,omitempty"`
	ImageChanged bool         `json:"image_changed"`
	HTTPStatus   int          `json:"http_status,omitempty"`
	FromCache    bool         `json:"from_cache,omitempty"`
	Format       string       `json:"format,omitempty"`
	Mode         string       `json:"mode,omitempty"`
	Attempts     int          `json:"attempts,omitempty"`
	Battery      power.Status `json:"battery"`
	At           time.Time    `json:"at"`
	State        State        `json:"state"`
}

// Deps wires a Runner.
type Deps struct {
	Config   *config.Config
	Renderer Renderer
	Fetcher  Fetcher
	Capture  CaptureFunc
	Battery  power.Reader

	// Sleep and Now default to time.Sleep and time.Now.
	Sleep func(time.Duration)
	Now   func() time.Time
}

// Runner executes cycles. RunOnce calls are serialized; the accessors may
// be used concurrently from HTTP handlers.
type Runner struct {
	runMu  sync.Mutex
	closed bool

	renderer Renderer
	fetcher  Fetcher
	capture  CaptureFunc
	battery  power.Reader
	sleep    func(time.Duration)
	now      func() time.Time

	mu      sync.RWMutex
	cfg     *config.Config
	state   State
	status  Status
	preview *framebuffer.Buffer
}

// New builds a Runner and loads the persisted state.
func New(d Deps) (*Runner, error) {
	if d.Config == nil {
		return nil, errors.New("cycle: config is nil")
	}
	if d.Renderer == nil {
		return nil, errors.New("cycle: renderer is nil")
	}
	r := &Runner{
		cfg:      d.Config,
		renderer: d.Renderer,
		fetcher:  d.Fetcher,
		capture:  d.Capture,
		battery:  d.Battery,
		sleep:    d.Sleep,
		now:      d.Now,
	}
	if r.fetcher == nil {
		r.fetcher = fetch.NewFetcher(filepath.Join(d.Config.StateDir, "cache"), &fetch.Opts{Token: d.Config.PhotoToken})
	}
	if r.capture == nil {
		r.capture = func(ctx context.Context, url string) ([]byte, error) {
			return capture.Screenshot(ctx, capture.Options{URL: url})
		}
	}
	if r.battery == nil {
		r.battery = power.Static{}
	}
	if r.sleep == nil {
		r.sleep = time.Sleep
	}
	if r.now == nil {
		r.now = time.Now
	}

	st, err := LoadState(r.statePath())
	if err != nil {
		appLog.Warn("cycle state unreadable, starting fresh", "path", r.statePath(), "err", err)
		st = State{}
	}
	r.state = st
	r.status = Status{Status: "idle", State: st}
	return r, nil
}

func (r *Runner) statePath() string {
	return filepath.Join(r.Config().StateDir, "state.json")
}

// SetConfig replaces the configuration used by the next cycle.
func (r *Runner) SetConfig(cfg *config.Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Config returns the current configuration.
func (r *Runner) Config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Status returns the outcome of the last cycle.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Preview returns a copy of the last successfully composed frame, or nil.
func (r *Runner) Preview() *framebuffer.Buffer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.preview == nil {
		return nil
	}
	return &framebuffer.Buffer{Pix: append([]byte(nil), r.preview.Pix...)}
}

// obtained is what a cycle got from its source.
type obtained struct {
	body       []byte
	sha        string
	format     convert.Format
	httpStatus int
	changed    bool
	fromCache  bool
	// stale is the reason the source failed when body is a cached copy.
	stale string
}

// RunOnce executes one cycle. force renders even if the image did not
// change.
func (r *Runner) RunOnce(ctx context.Context, force bool) Status {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.closed {
		st, code := fault.Status(fault.Newf(fault.NotReady, "cycle", "runner closed"))
		return Status{Status: st, Code: code, LastError: "cycle: runner closed", At: r.now()}
	}

	cfg := r.Config()
	r.mu.RLock()
	st := r.state
	r.mu.RUnlock()

	start := r.now()
	status := Status{At: start}
	if b, err := r.battery.Read(ctx); err != nil {
		appLog.Warn("battery read failed", "err", err)
	} else {
		status.Battery = b
	}

	img, err := r.obtain(ctx, cfg, st.LastImageSHA256)
	status.HTTPStatus = img.httpStatus
	if err != nil {
		status.Status, status.Code = StatusFetch, CodeFetch
		if cfg.Source == config.SourcePage {
			status.Status, status.Code = StatusCapture, CodeCapture
		}
		status.LastError = err.Error()
		st.FailureCount++
		return r.finish(status, st, nil)
	}
	status.ImageChanged = img.changed
	status.FromCache = img.fromCache
	status.Format = img.format.String()

	if !img.changed && !force && !st.LastSuccess.IsZero() {
		appLog.Info("image unchanged, skipping refresh", "sha256", img.sha)
		status.OK, status.Status = true, StatusUnchanged
		if img.stale != "" {
			r.markStale(&status, &st, img.stale)
		}
		return r.finish(status, st, nil)
	}

	res, attempts, err := r.display(cfg, img)
	status.Attempts = attempts
	status.Mode = res.Mode
	if err != nil {
		status.Status, status.Code = fault.Status(err)
		status.LastError = err.Error()
		st.FailureCount++
		appLog.Error("cycle render failed", err, "attempts", attempts, "failures", st.FailureCount)
		return r.finish(status, st, nil)
	}

	if err := r.renderer.Sleep(); err != nil {
		appLog.Warn("panel sleep failed", "err", err)
	}
	st.LastImageSHA256 = img.sha
	status.OK, status.Status, status.Code = true, StatusOK, 0
	if img.stale != "" {
		// The cached image is on glass but the source is still down.
		r.markStale(&status, &st, img.stale)
	} else {
		st.LastSuccess = r.now()
		st.FailureCount = 0
	}
	appLog.Info("cycle done", "mode", res.Mode, "format", status.Format, "attempts", attempts,
		"elapsed_ms", r.now().Sub(start).Milliseconds())
	return r.finish(status, st, r.renderer.Frame())
}

// markStale reports a cycle that ran on a cached image as a fetch failure.
func (r *Runner) markStale(status *Status, st *State, reason string) {
	status.OK = false
	status.Status, status.Code = StatusFetch, CodeFetch
	status.LastError = reason
	st.FailureCount++
	appLog.Warn("image source failed, served from cache", "reason", reason, "failures", st.FailureCount)
}

// Close waits for a running cycle to finish, then releases the renderer.
// Later cycles report NotReady.
func (r *Runner) Close() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.renderer.Close()
}

func (r *Runner) finish(status Status, st State, frame *framebuffer.Buffer) Status {
	if err := SaveState(r.statePath(), st); err != nil {
		appLog.Error("cycle state save failed", err, "path", r.statePath())
	}
	status.State = st

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = st
	r.status = status
	if frame != nil {
		r.preview = &framebuffer.Buffer{Pix: append([]byte(nil), frame.Pix...)}
	}
	return status
}

// obtain fetches or captures the image for this cycle.
func (r *Runner) obtain(ctx context.Context, cfg *config.Config, previousSHA string) (obtained, error) {
	if cfg.ImageURL == "" {
		return obtained{}, errors.New("cycle: image_url is not configured")
	}
	url := fetch.ExpandURL(cfg.ImageURL, r.now().In(cfg.Location()), cfg.DeviceID)

	if cfg.Source == config.SourcePage {
		png, err := r.capture(ctx, url)
		if err != nil {
			return obtained{}, err
		}
		sha := fetch.Digest(png)
		return obtained{body: png, sha: sha, format: convert.Sniff(png), changed: sha != previousSHA}, nil
	}

	res, err := r.fetcher.Fetch(ctx, url, previousSHA)
	if err != nil {
		return obtained{httpStatus: res.StatusCode}, err
	}
	return obtained{
		body:       res.Body,
		sha:        res.SHA256,
		format:     res.Format,
		httpStatus: res.StatusCode,
		changed:    res.Changed,
		fromCache:  res.FromCache,
		stale:      res.StaleReason,
	}, nil
}

// display renders img with up to cfg.Retry.MaxAttempts attempts. Once a
// frame has been composed, later attempts reset and reconfigure the panel
// and re-send it. Malformed input is never retried.
func (r *Runner) display(cfg *config.Config, img obtained) (render.Result, int, error) {
	var rgb *raster.RGB888
	if img.format != convert.BMP {
		src, _, err := convert.Decode(img.body)
		if err != nil {
			return render.Result{}, 0, err
		}
		var ok bool
		if rgb, ok = src.(*raster.RGB888); !ok {
			return render.Result{}, 0, fmt.Errorf("cycle: unexpected raster %T", src)
		}
	}

	var (
		res      render.Result
		composed bool
		err      error
		attempt  int
	)
	for attempt = 1; ; attempt++ {
		err = r.renderer.Init()
		if err == nil {
			switch {
			case composed:
				// The controller stalled mid-flush; only a reset and the
				// register table bring it back.
				if err = r.renderer.Recover(); err == nil {
					err = r.renderer.Reflush()
				}
			case rgb != nil:
				res, err = r.renderer.RenderRaster(rgb.Pix, rgb.Width(), rgb.Height(), cfg.Render)
			default:
				res, err = r.renderer.Render(img.body, cfg.Render)
			}
			composed = composed || res.Mode != ""
		}
		if err == nil {
			return res, attempt, nil
		}
		if fault.Is(err, fault.Format) || fault.Is(err, fault.Input) || attempt >= cfg.Retry.MaxAttempts {
			return res, attempt, err
		}
		appLog.Warn("panel attempt failed, retrying", "attempt", attempt, "max", cfg.Retry.MaxAttempts,
			"delay", cfg.Retry.Delay, "err", err)
		r.sleep(cfg.Retry.Delay)
	}
}
