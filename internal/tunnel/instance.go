// Package tunnel implements the tunnel broker client: one secure upstream session that logs
// in, pairs the configured tunnels and multiplexes their local TCP streams.
//
// All protocol state is owned by a single loop goroutine (Run). I/O goroutines and timers
// only post events to it, so no lock guards the session, its pairings or the registries.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/registry"
	"github.com/benmeehan/iot-tunnel/internal/stats"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/benmeehan/iot-tunnel/pkg/file"
	"github.com/benmeehan/iot-tunnel/pkg/secure"
)

// Token is the process-wide shutdown flag shared by every long-lived component.
type Token interface {
	Stopping() bool
	Done() <-chan struct{}
}

type neverStop struct{}

func (neverStop) Stopping() bool        { return false }
func (neverStop) Done() <-chan struct{} { return nil }

// InitOptions is everything the caller supplies to create an Instance.
type InitOptions struct {
	Hostname      string
	Port          int // DefaultUpstreamPort when zero
	Shutdown      Token
	ConfigFile    string // JSON tunnel configuration
	FileClient    file.FileOperations
	Logger        zerolog.Logger
	Notifications Notifications
	Dialer        secure.Dialer
	Traffic       *stats.Traffic
	Settings      Settings
}

// Instance is one running broker endpoint.
type Instance struct {
	log        zerolog.Logger
	hostname   string
	port       int
	configFile string
	files      file.FileOperations
	notify     Notifications
	dialer     secure.Dialer
	local      net.Dialer
	settings   Settings
	token      Token
	traffic    *stats.Traffic
	pool       *utils.WorkerPool

	events   chan any
	stop     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
	running  atomic.Bool

	state    atomic.Int32
	pairings atomic.Pointer[[]models.PairingRecord]
	device   atomic.Value

	// Everything below is owned by the loop goroutine.
	cur      State
	creds    models.Credentials
	mode     models.Mode
	loaded   *models.TunnelFile
	tunnels  *registry.TunnelRegistry
	ports    *registry.PortRegistry
	backoff  *backoff.Backoff
	timers   [numTimers]timerSlot
	authHold bool
	gen      uint64
	attempt  context.Context // in-flight dial or handshake
	cancel   context.CancelFunc
	pending  secure.Channel     // dialed, handshake not complete
	sess     *session
	draining bool
	finished bool
}

// Init validates the options, loads the tunnel configuration into the bounded registries and
// returns an Instance ready to Run. Every failure is a ConfigError.
func Init(opts InitOptions) (*Instance, error) {
	if opts.Hostname == "" {
		return nil, newError(ConfigError, "upstream hostname is required")
	}
	if opts.Port == 0 {
		opts.Port = constants.DefaultUpstreamPort
	}
	if !registry.ValidPort(opts.Port) {
		return nil, newError(ConfigError, "upstream port %d out of range", opts.Port)
	}
	if opts.Dialer == nil {
		return nil, newError(ConfigError, "secure channel dialer is required")
	}
	if opts.FileClient == nil {
		opts.FileClient = file.NewFileService()
	}
	if opts.Notifications == nil {
		opts.Notifications = NopNotifications{}
	}
	if opts.Shutdown == nil {
		opts.Shutdown = neverStop{}
	}
	if opts.Traffic == nil {
		opts.Traffic = stats.NewTraffic()
	}

	tf, err := utils.LoadTunnelFile(opts.ConfigFile, opts.FileClient)
	if err != nil {
		return nil, wrapError(ConfigError, err)
	}
	mode, err := models.ParseMode(tf.Type)
	if err != nil {
		return nil, wrapError(ConfigError, err)
	}
	tunnels, ports, err := registry.FromConfig(tf)
	if err != nil {
		return nil, wrapError(ConfigError, err)
	}

	settings := opts.Settings.withDefaults()
	inst := &Instance{
		log:        opts.Logger.With().Str("component", "tunnel").Str("device", tf.Device).Logger(),
		hostname:   opts.Hostname,
		port:       opts.Port,
		configFile: opts.ConfigFile,
		files:      opts.FileClient,
		notify:     opts.Notifications,
		dialer:     opts.Dialer,
		local:      net.Dialer{Timeout: settings.DialTimeout},
		settings:   settings,
		token:      opts.Shutdown,
		traffic:    opts.Traffic,
		events:     make(chan any, 256),
		stop:       make(chan struct{}),
		exited:     make(chan struct{}),
		creds:      tf.Credentials(),
		mode:       mode,
		loaded:     tf,
		tunnels:    tunnels,
		ports:      ports,
		backoff: &backoff.Backoff{
			Min:    settings.MinBackoff,
			Max:    settings.MaxBackoff,
			Factor: settings.BackoffFactor,
			Jitter: settings.Jitter,
		},
	}
	inst.device.Store(tf.Device)
	inst.publishPairings()

	inst.log.Info().
		Str("upstream", net.JoinHostPort(opts.Hostname, fmt.Sprint(opts.Port))).
		Str("mode", mode.String()).
		Int("tunnels", tunnels.Len()).
		Int("allowed_ports", ports.Len()).
		Msg("Tunnel instance initialized")
	return inst, nil
}

// Run is the instance loop. It returns once the instance has stopped, either through
// ForceStop, the shutdown token or ctx.
func (i *Instance) Run(ctx context.Context) error {
	if !i.running.CompareAndSwap(false, true) {
		return errors.New("tunnel instance already running")
	}
	i.run(ctx)
	return nil
}

func (i *Instance) run(ctx context.Context) {
	i.pool = utils.NewWorkerPool(i.settings.DialWorkers)
	defer i.pool.Shutdown()
	defer i.discardPending()
	defer close(i.exited)

	if i.token.Stopping() {
		i.beginDrain()
	} else {
		i.arm(timerReconnect, 0)
	}

	stop, tokenDone, ctxDone := i.stop, i.token.Done(), ctx.Done()
	for !i.finished {
		select {
		case ev := <-i.events:
			i.handle(ev)
		case <-stop:
			stop = nil
			i.beginDrain()
		case <-tokenDone:
			tokenDone = nil
			i.beginDrain()
		case <-ctxDone:
			ctxDone = nil
			i.beginDrain()
		}
	}
	i.log.Info().Msg("Tunnel instance stopped")
}

// Start runs the instance loop in the background.
func (i *Instance) Start() error {
	if !i.running.CompareAndSwap(false, true) {
		return errors.New("tunnel instance already running")
	}
	go i.run(context.Background())
	return nil
}

// Stop requests a graceful stop and waits for the loop to finish.
func (i *Instance) Stop() error {
	i.ForceStop()
	if i.running.Load() {
		<-i.exited
	}
	return nil
}

// ForceStop starts the drain. It is idempotent and safe from any goroutine.
func (i *Instance) ForceStop() {
	i.stopOnce.Do(func() { close(i.stop) })
}

// Done is closed once the loop has returned.
func (i *Instance) Done() <-chan struct{} {
	return i.exited
}

// State returns the current session state.
func (i *Instance) State() State {
	return State(i.state.Load())
}

// Device returns the device identity presented at login.
func (i *Instance) Device() string {
	return i.device.Load().(string)
}

// Pairings returns a copy of the active pairing records.
func (i *Instance) Pairings() []models.PairingRecord {
	return slices.Clone(*i.pairings.Load())
}

// Traffic returns the per-pairing counters.
func (i *Instance) Traffic() *stats.Traffic {
	return i.traffic
}

// Reload re-reads the tunnel configuration. Changed credentials are used for the next login
// and lift a login hold; explicit reloads lift the hold unconditionally. Tunnel and allow-list
// changes need a restart.
func (i *Instance) Reload(explicit bool) error {
	tf, err := utils.LoadTunnelFile(i.configFile, i.files)
	if err != nil {
		return wrapError(ConfigError, err)
	}
	if _, err := models.ParseMode(tf.Type); err != nil {
		return wrapError(ConfigError, err)
	}
	if _, _, err := registry.FromConfig(tf); err != nil {
		return wrapError(ConfigError, err)
	}
	i.post(evReload{file: tf, explicit: explicit})
	return nil
}

// Relogin lifts a login hold and connects immediately when disconnected.
func (i *Instance) Relogin() {
	i.post(evRelogin{})
}

// post hands ev to the loop. Once the loop has exited the event's resources are released.
func (i *Instance) post(ev any) {
	select {
	case i.events <- ev:
	case <-i.exited:
		discard(ev)
	}
}

func (i *Instance) discardPending() {
	for {
		select {
		case ev := <-i.events:
			discard(ev)
		default:
			return
		}
	}
}

func discard(ev any) {
	switch e := ev.(type) {
	case evDialed:
		if e.ch != nil {
			_ = e.ch.Close()
		}
	case evAccepted:
		_ = e.conn.Close()
	case evLocalDialed:
		if e.conn != nil {
			_ = e.conn.Close()
		}
	}
}

func (i *Instance) handle(ev any) {
	switch e := ev.(type) {
	case evTimer:
		i.onTimer(e)
	case evDialed:
		i.onDialed(e)
	case evHandshake:
		i.onHandshake(e)
	case evFrame:
		i.onFrame(e)
	case evChannelDown:
		if i.sess != nil && e.gen == i.sess.gen {
			i.fail(e.err)
		}
	case evWriterDone:
		if i.sess != nil && e.gen == i.sess.gen && i.draining {
			i.finish()
		}
	case evAccepted:
		i.onAccepted(e)
	case evLocalData:
		i.onLocalData(e)
	case evLocalClosed:
		i.onLocalClosed(e)
	case evLocalDialed:
		i.onLocalDialed(e)
	case evReload:
		i.onReload(e)
	case evRelogin:
		i.log.Info().Msg("Relogin requested")
		i.liftHold()
	}
}

func (i *Instance) setState(s State) {
	if s == i.cur {
		return
	}
	prev := i.cur
	i.cur = s
	i.state.Store(int32(s))
	i.log.Info().Str("from", prev.String()).Str("to", s.String()).Msg("Session state changed")
	i.notify.OnStateChanged(i, s)
}

func (i *Instance) onReload(e evReload) {
	creds := e.file.Credentials()
	changed := creds != i.creds
	if changed {
		i.creds = creds
		i.device.Store(creds.Device)
		i.log.Info().Str("username", creds.Username).Msg("Credentials reloaded")
	}
	if e.file.Type != i.loaded.Type ||
		!slices.Equal(e.file.Tunnels, i.loaded.Tunnels) ||
		!slices.Equal(e.file.Allow, i.loaded.Allow) {
		i.log.Warn().Msg("Tunnel, allow list or type changes take effect after a restart")
	}
	if changed || e.explicit {
		i.liftHold()
	}
}

// liftHold clears a login hold and, when idle, connects without waiting for the backoff.
func (i *Instance) liftHold() {
	i.authHold = false
	if i.cur == Disconnected && !i.draining && i.running.Load() {
		i.arm(timerReconnect, 0)
	}
}
