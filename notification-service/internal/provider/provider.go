// Package provider adapts external delivery services (email APIs, SMTP,
// webhooks, live websocket sessions) to one Provider interface.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

// Provider types accepted in configuration.
const (
	TypeSMTP      = "smtp"
	TypeSendGrid  = "sendgrid"
	TypeMailgun   = "mailgun"
	TypePostmark  = "postmark"
	TypeSES       = "ses"
	TypeWebhook   = "webhook"
	TypeWebsocket = "websocket"
)

// Defaults for unset capability fields.
const (
	DefaultMaxRecipients      = 100
	DefaultRateLimitPerSecond = 10
)

// Config describes one configured provider.
type Config struct {
	Type               string            `mapstructure:"type"`
	Name               string            `mapstructure:"name"`
	IsPrimary          bool              `mapstructure:"is_primary"`
	IsBulk             *bool             `mapstructure:"is_bulk"`
	MaxRecipients      int               `mapstructure:"max_recipients"`
	RateLimitPerSecond float64           `mapstructure:"rate_limit_per_second"`
	Credentials        map[string]string `mapstructure:"credentials"`
}

// Capabilities drive provider selection.
type Capabilities struct {
	Primary       bool
	Bulk          bool
	MaxRecipients int
}

// Covers reports whether a provider can take count recipients at once.
func (c Capabilities) Covers(count int) bool {
	return c.MaxRecipients <= 0 || count <= c.MaxRecipients
}

func (c Config) capabilities() Capabilities {
	caps := Capabilities{Primary: c.IsPrimary, Bulk: true, MaxRecipients: c.MaxRecipients}
	if c.IsBulk != nil {
		caps.Bulk = *c.IsBulk
	}
	if caps.MaxRecipients == 0 {
		caps.MaxRecipients = DefaultMaxRecipients
	}
	return caps
}

func (c Config) credential(key string) string {
	return c.Credentials[key]
}

func (c Config) require(keys ...string) error {
	for _, k := range keys {
		if c.Credentials[k] == "" {
			return fmt.Errorf("provider %s: missing credential %q", c.Name, k)
		}
	}
	return nil
}

// Delivery is one send request handed to a provider.
type Delivery struct {
	Notification *notification.Notification
	// Endpoint is set for webhook deliveries.
	Endpoint *notification.WebhookEndpoint
	// ID identifies this attempt to the receiver.
	ID string
}

// Result is what a provider reports for an accepted delivery.
type Result struct {
	MessageID  string
	StatusCode int
}

// Provider delivers notifications of one channel.
type Provider interface {
	Name() string
	Type() string
	Channel() notification.Channel
	Capabilities() Capabilities
	Send(ctx context.Context, d *Delivery) (*Result, error)
}

// Deps are shared collaborators handed to constructors.
type Deps struct {
	HTTPClient *http.Client
	Live       LiveDeps
}

// Constructor builds a provider from its configuration.
type Constructor func(cfg Config, deps Deps) (Provider, error)

// Factory builds providers keyed by their type tag.
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewFactory returns a factory with every built-in provider type.
func NewFactory() *Factory {
	f := &Factory{ctors: make(map[string]Constructor)}
	f.Register(TypeSMTP, NewSMTP)
	f.Register(TypeSendGrid, NewSendGrid)
	f.Register(TypeMailgun, NewMailgun)
	f.Register(TypePostmark, NewPostmark)
	f.Register(TypeSES, NewSES)
	f.Register(TypeWebhook, NewWebhook)
	f.Register(TypeWebsocket, NewWebsocket)
	return f
}

// Register adds or replaces the constructor of a type.
func (f *Factory) Register(typ string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[typ] = ctor
}

// Types lists the registered type tags.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.ctors))
	for t := range f.ctors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New builds a provider and wraps it in its rate limiter.
func (f *Factory) New(cfg Config, deps Deps) (Provider, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[cfg.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	p, err := ctor(cfg, deps)
	if err != nil {
		return nil, err
	}
	rps := cfg.RateLimitPerSecond
	if rps == 0 {
		rps = DefaultRateLimitPerSecond
	}
	if rps > 0 {
		p = NewLimited(p, rps)
	}
	return p, nil
}

// Set is the collection of configured providers.
type Set struct {
	byChannel map[notification.Channel][]Provider
}

// NewSet builds every provider in configs. Unknown or misconfigured
// entries fail the whole set.
func NewSet(f *Factory, configs []Config, deps Deps) (*Set, error) {
	s := &Set{byChannel: make(map[notification.Channel][]Provider)}
	seen := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		p, err := f.New(cfg, deps)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", p.Name())
		}
		seen[p.Name()] = struct{}{}
		s.Add(p)
	}
	return s, nil
}

// Add appends p after the already configured providers of its channel.
func (s *Set) Add(p Provider) {
	if s.byChannel == nil {
		s.byChannel = make(map[notification.Channel][]Provider)
	}
	s.byChannel[p.Channel()] = append(s.byChannel[p.Channel()], p)
}

// For returns the providers of a channel in configuration order.
func (s *Set) For(ch notification.Channel) []Provider {
	return s.byChannel[ch]
}

// Names lists every provider name, for status reporting.
func (s *Set) Names() []string {
	var out []string
	for _, ps := range s.byChannel {
		for _, p := range ps {
			out = append(out, p.Name())
		}
	}
	sort.Strings(out)
	return out
}

// base holds what every adapter shares.
type base struct {
	name string
	typ  string
	caps Capabilities
}

func newBase(cfg Config) base {
	return base{name: cfg.Name, typ: cfg.Type, caps: cfg.capabilities()}
}

func (b base) Name() string               { return b.name }
func (b base) Type() string               { return b.typ }
func (b base) Capabilities() Capabilities { return b.caps }

// emailBase adds what the email adapters share.
type emailBase struct {
	base
	from     string
	fromName string
}

func newEmailBase(cfg Config) emailBase {
	return emailBase{base: newBase(cfg), from: cfg.credential("from_email"), fromName: cfg.credential("from_name")}
}

func (emailBase) Channel() notification.Channel { return notification.ChannelEmail }

func (e emailBase) sender(n *notification.Notification) string {
	if n.From != "" {
		return n.From
	}
	return e.from
}

func (e emailBase) validate(n *notification.Notification) error {
	if len(n.To) == 0 {
		return NewError(CodeInvalidRecipient, "no recipients", false)
	}
	if e.sender(n) == "" {
		return NewError(CodeInvalidRequest, "no sender address configured", false)
	}
	return nil
}

// isHTML reports whether content should be sent as HTML.
func isHTML(n *notification.Notification) bool {
	switch n.MetaString("content_type") {
	case "html", "text/html":
		return true
	}
	return false
}

var errNoEndpoint = errors.New("webhook delivery without endpoint")
