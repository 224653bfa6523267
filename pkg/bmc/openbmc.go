package bmc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/console"
	"github.com/openpower/optest/pkg/logger"
	"github.com/openpower/optest/pkg/retry"
)

const (
	hostPath    = "/xyz/openbmc_project/state/host0"
	chassisPath = "/xyz/openbmc_project/state/chassis0"
	bootPath    = "/xyz/openbmc_project/control/host0/boot/one_time"
	loggingPath = "/xyz/openbmc_project/logging"

	hostTransition    = "xyz.openbmc_project.State.Host.Transition."
	chassisTransition = "xyz.openbmc_project.State.Chassis.Transition."
	bootMode          = "xyz.openbmc_project.Control.Boot.Mode.Modes."
)

var entryPathRE = regexp.MustCompile(`/entry/\d+$`)

// RESTConfig holds the OpenBMC REST endpoint and credentials
type RESTConfig struct {
	// BaseURL is scheme://host[:port]
	BaseURL  string
	User     string
	Password string
	// ConsoleAddr is host:port of the SSH host console (port 2200)
	ConsoleAddr string
	RetryMax    int
	Timeout     time.Duration
}

// OpenBMC is a client for the OpenBMC REST API
type OpenBMC struct {
	config RESTConfig
	http   *retryablehttp.Client
	log    logger.Interface

	mu       sync.Mutex
	loggedIn bool

	pollInterval time.Duration
}

// envelope is the response wrapper of every OpenBMC REST call
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Event is one entry of the OpenBMC event log
type Event struct {
	ID        int    `json:"Id"`
	Message   string `json:"Message"`
	Severity  string `json:"Severity"`
	Timestamp int64  `json:"Timestamp"`
	Resolved  bool   `json:"Resolved"`
}

func (e Event) String() string {
	return fmt.Sprintf("%d | %s | %s", e.ID, strings.TrimPrefix(e.Severity, "xyz.openbmc_project.Logging.Entry.Level."), e.Message)
}

// NewOpenBMC creates a REST client. BMC certificates are self signed, so
// verification is disabled.
func NewOpenBMC(config RESTConfig, log logger.Interface) *OpenBMC {
	if log == nil {
		log = logger.Nop()
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	jar, _ := cookiejar.New(nil)
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Jar:     jar,
		Timeout: config.Timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		},
	}
	client.RetryMax = config.RetryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = logger.RetryableHTTP(log.With("openbmc"))

	return &OpenBMC{config: config, http: client, log: log, pollInterval: 5 * time.Second}
}

// Login opens a cookie session
func (o *OpenBMC) Login(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loginLocked(ctx)
}

func (o *OpenBMC) loginLocked(ctx context.Context) error {
	body := map[string]interface{}{"data": []string{o.config.User, o.config.Password}}
	if _, _, err := o.send(ctx, http.MethodPost, "/login", body); err != nil {
		o.loggedIn = false
		return oerrors.Wrap(err, oerrors.ErrConnection, "openbmc login")
	}
	o.loggedIn = true
	o.log.Debug("[OPENBMC %s] logged in as %s", o.config.BaseURL, o.config.User)
	return nil
}

// call performs an authenticated request, logging in again once on 401
func (o *OpenBMC) call(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.loggedIn {
		if err := o.loginLocked(ctx); err != nil {
			return nil, err
		}
	}
	data, status, err := o.send(ctx, method, path, body)
	if status == http.StatusUnauthorized {
		o.log.Debug("[OPENBMC %s] session expired, logging in again", o.config.BaseURL)
		if err := o.loginLocked(ctx); err != nil {
			return nil, err
		}
		data, _, err = o.send(ctx, method, path, body)
	}
	return data, err
}

// send performs one request and unwraps the response envelope. The HTTP
// status is returned alongside so callers can react to 401.
func (o *OpenBMC) send(ctx context.Context, method, path string, body interface{}) (json.RawMessage, int, error) {
	var raw interface{}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, oerrors.Wrap(err, oerrors.ErrInvalidInput, "encode request")
		}
		raw = b
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, o.config.BaseURL+path, raw)
	if err != nil {
		return nil, 0, oerrors.Wrapf(err, oerrors.ErrInvalidInput, "%s %s", method, path)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, oerrors.Wrapf(ctx.Err(), oerrors.ErrCancelled, "%s %s", method, path)
		}
		return nil, 0, oerrors.Wrapf(err, oerrors.ErrConnection, "%s %s", method, path)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, oerrors.Wrapf(err, oerrors.ErrConnection, "read %s %s", method, path)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, resp.StatusCode, oerrors.Newf(oerrors.ErrUnavailable, "%s %s: not found", method, path)
	case resp.StatusCode >= 300:
		return nil, resp.StatusCode, oerrors.Newf(oerrors.ErrPlatform, "%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(payload)))
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, resp.StatusCode, oerrors.Wrapf(err, oerrors.ErrPlatform, "%s %s: malformed response", method, path)
	}
	if env.Status != "" && env.Status != "ok" {
		return nil, resp.StatusCode, oerrors.Newf(oerrors.ErrPlatform, "%s %s: %s", method, path, env.Message)
	}
	return env.Data, resp.StatusCode, nil
}

func (o *OpenBMC) put(ctx context.Context, path string, value string) error {
	_, err := o.call(ctx, http.MethodPut, path, map[string]string{"data": value})
	return err
}

func (o *OpenBMC) getString(ctx context.Context, path string) (string, error) {
	data, err := o.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", oerrors.Wrapf(err, oerrors.ErrPlatform, "GET %s: not a string", path)
	}
	return s, nil
}

// PowerOn requests host transition On
func (o *OpenBMC) PowerOn(ctx context.Context) error {
	return o.put(ctx, hostPath+"/attr/RequestedHostTransition", hostTransition+"On")
}

// PowerOff cuts chassis power immediately
func (o *OpenBMC) PowerOff(ctx context.Context) error {
	return o.put(ctx, chassisPath+"/attr/RequestedPowerTransition", chassisTransition+"Off")
}

// PowerSoft requests an orderly host shutdown
func (o *OpenBMC) PowerSoft(ctx context.Context) error {
	return o.put(ctx, hostPath+"/attr/RequestedHostTransition", hostTransition+"Off")
}

// PowerCycle requests a host reboot
func (o *OpenBMC) PowerCycle(ctx context.Context) error {
	return o.put(ctx, hostPath+"/attr/RequestedHostTransition", hostTransition+"Reboot")
}

// HostState returns the last element of CurrentHostState, e.g. "Off" or "Running"
func (o *OpenBMC) HostState(ctx context.Context) (string, error) {
	s, err := o.getString(ctx, hostPath+"/attr/CurrentHostState")
	return lastDotted(s), err
}

// ChassisPowerState returns the last element of CurrentPowerState
func (o *OpenBMC) ChassisPowerState(ctx context.Context) (PowerState, error) {
	s, err := o.getString(ctx, chassisPath+"/attr/CurrentPowerState")
	if err != nil {
		return PowerStateUnknown, err
	}
	switch lastDotted(s) {
	case "On":
		return PowerStateOn, nil
	case "Off":
		return PowerStateOff, nil
	default:
		return PowerStateUnknown, nil
	}
}

func lastDotted(s string) string {
	if i := strings.LastIndex(s, "."); i >= 0 {
		return s[i+1:]
	}
	return s
}

// WaitForStandby polls until the host is Off and chassis power is off
func (o *OpenBMC) WaitForStandby(ctx context.Context, timeout time.Duration) error {
	err := retry.PollUntil(ctx, o.pollInterval, timeout, func(ctx context.Context) error {
		host, err := o.HostState(ctx)
		if err != nil {
			return retry.NewRetryableError(err)
		}
		power, err := o.ChassisPowerState(ctx)
		if err != nil {
			return retry.NewRetryableError(err)
		}
		if host == "Off" && power == PowerStateOff {
			return nil
		}
		o.log.Debug("[OPENBMC %s] waiting for standby: host %s chassis %s", o.config.BaseURL, host, power)
		return oerrors.Newf(oerrors.ErrTimeout, "host %s, chassis %s", host, power)
	})
	if oerrors.IsTimeout(err) {
		return oerrors.Wrapf(err, oerrors.ErrTimeout, "BMC did not reach standby within %s", timeout)
	}
	return err
}

// BootdevSetup makes the next boot stop in petitboot
func (o *OpenBMC) BootdevSetup(ctx context.Context) error {
	return o.put(ctx, bootPath+"/attr/BootMode", bootMode+"Setup")
}

// BootdevNone restores the regular boot flow
func (o *OpenBMC) BootdevNone(ctx context.Context) error {
	return o.put(ctx, bootPath+"/attr/BootMode", bootMode+"Regular")
}

// Events returns the event log ordered by id
func (o *OpenBMC) Events(ctx context.Context) ([]Event, error) {
	data, err := o.call(ctx, http.MethodGet, loggingPath+"/enumerate", nil)
	if err != nil {
		return nil, err
	}
	var objects map[string]json.RawMessage
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, oerrors.Wrap(err, oerrors.ErrPlatform, "decode event log")
	}

	var events []Event
	for path, raw := range objects {
		// The enumeration also lists association objects such as .../entry/1/callout.
		if !entryPathRE.MatchString(path) {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if e.ID == 0 {
			e.ID, _ = strconv.Atoi(path[strings.LastIndex(path, "/")+1:])
		}
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

// SELList returns the event log formatted one entry per line
func (o *OpenBMC) SELList(ctx context.Context) ([]string, error) {
	events, err := o.Events(ctx)
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(events))
	for i, e := range events {
		lines[i] = e.String()
	}
	return lines, nil
}

// SELCheck fails when any event matches pattern
func (o *OpenBMC) SELCheck(ctx context.Context, pattern *regexp.Regexp) error {
	lines, err := o.SELList(ctx)
	if err != nil {
		return err
	}
	return CheckSEL(lines, pattern)
}

// ClearEvents deletes every event log entry
func (o *OpenBMC) ClearEvents(ctx context.Context) error {
	_, err := o.call(ctx, http.MethodPost, loggingPath+"/action/DeleteAll", map[string]interface{}{"data": []string{}})
	return err
}

// ConsoleDialer returns the SSH host console dialer (obmc-console on port 2200)
func (o *OpenBMC) ConsoleDialer() (*console.SSHDialer, error) {
	cfg, err := ClientConfig(o.config.User, o.config.Password, "", 30*time.Second)
	if err != nil {
		return nil, err
	}
	addr := o.config.ConsoleAddr
	if addr == "" {
		addr = net.JoinHostPort(hostOf(o.config.BaseURL), "2200")
	}
	return &console.SSHDialer{Addr: addr, Config: cfg}, nil
}

func hostOf(baseURL string) string {
	h := baseURL
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return strings.TrimSuffix(h, "/")
}
