package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"tzbot/internal/audit"
	"tzbot/internal/config"
	"tzbot/internal/fanout"
	"tzbot/internal/fleet"
	"tzbot/internal/storage"
	"tzbot/internal/tz"
	logx "tzbot/pkg/logx"
)

var errNoEndpoints = errors.New("no fleet endpoints configured (fleet.listen or fleet.peers)")

// Operator is the directory surface for one-shot commands. It never
// connects to the gateway; nickname changes go through the running
// fleet over HTTP.
type Operator struct {
	Store   storage.Store
	Updater *fanout.Updater
	peers   []*fleet.HTTPClient
	log     logx.Logger
}

// PeerStatus is one fleet endpoint's status document, or why it could not
// be fetched.
type PeerStatus struct {
	Endpoint string  `json:"endpoint"`
	Status   *Status `json:"status,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// OpenOperator reads the config file and opens only the store.
func OpenOperator(cfgPath string, log logx.Logger) (*Operator, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	log.Debug("config loaded", logx.String("path", cfgm.Path()))
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	timeouts, err := mapFleetTimeouts(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	var (
		peers   []*fleet.HTTPClient
		clients []fleet.Client
	)
	for _, base := range fleetEndpoints(cfg.Fleet) {
		c := fleet.NewHTTPClient(base, cfg.Fleet.Token, timeouts.request)
		peers = append(peers, c)
		clients = append(clients, c)
	}
	return &Operator{
		Store: store,
		Updater: &fanout.Updater{
			Directory: store,
			Shards:    clients,
			Audit:     audit.Direct{Store: store, Log: log.With(logx.String("comp", "audit"))},
			Timeout:   timeouts.fanout,
			Log:       log.With(logx.String("comp", "fanout")),
			Source:    "cli",
		},
		peers: peers,
		log:   log,
	}, nil
}

// fleetEndpoints lists every fleet server reachable from this host: the
// local listener (if any) followed by the configured peers.
func fleetEndpoints(fc config.FleetConfig) []string {
	var out []string
	if addr := strings.TrimSpace(fc.Listen); addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if err == nil {
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "127.0.0.1"
			}
			out = append(out, "http://"+net.JoinHostPort(host, port))
		}
	}
	for _, p := range fc.Peers {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Assign stores userID's timezone and records the given guild memberships.
// With apply set, the change is pushed to the fleet and the number of
// updated nicknames is returned.
func (o *Operator) Assign(ctx context.Context, userID, timezoneID string, guilds []string, apply bool) (int, error) {
	if !tz.IsValid(timezoneID) {
		return 0, fmt.Errorf("%w: %q", tz.ErrInvalidTimezone, timezoneID)
	}
	if err := o.Store.SetTimezone(ctx, userID, timezoneID); err != nil {
		return 0, err
	}
	for _, g := range guilds {
		if err := o.Store.AddMembership(ctx, userID, g); err != nil {
			return 0, fmt.Errorf("membership %s: %w", g, err)
		}
	}
	o.log.Info("timezone assigned", logx.String("user", userID), logx.String("tz", timezoneID), logx.Int("guilds", len(guilds)))
	if !apply {
		return 0, nil
	}
	if len(o.Updater.Shards) == 0 {
		return 0, errNoEndpoints
	}
	return o.Updater.ApplyTimezoneChange(ctx, userID, timezoneID)
}

// Clear removes userID's timezone. purge also drops every membership.
func (o *Operator) Clear(ctx context.Context, userID string, purge bool) error {
	var err error
	if purge {
		err = o.Store.DeleteUserData(ctx, userID)
	} else {
		err = o.Store.ClearTimezone(ctx, userID)
	}
	if err != nil {
		return err
	}
	o.log.Info("timezone cleared", logx.String("user", userID), logx.Bool("purge", purge))
	return nil
}

// FleetStatus fetches the status document of every fleet endpoint. An
// unreachable endpoint is reported in its entry rather than failing the call.
func (o *Operator) FleetStatus(ctx context.Context) ([]PeerStatus, error) {
	if len(o.peers) == 0 {
		return nil, errNoEndpoints
	}
	out := make([]PeerStatus, 0, len(o.peers))
	for _, c := range o.peers {
		ps := PeerStatus{Endpoint: c.Name()}
		var st Status
		if err := c.Status(ctx, &st); err != nil {
			o.log.Warn("fleet status failed", logx.String("endpoint", c.Name()), logx.Err(err))
			ps.Error = err.Error()
		} else {
			ps.Status = &st
		}
		out = append(out, ps)
	}
	return out, nil
}

func (o *Operator) History(ctx context.Context, userID string, limit int) ([]storage.AuditEntry, error) {
	return o.Store.ListAudit(ctx, userID, limit)
}

func (o *Operator) Close() error { return o.Store.Close() }
