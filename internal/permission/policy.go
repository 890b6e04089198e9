// ABOUTME: Approval mode and whitelists read from the settings store.
// ABOUTME: Read failures degrade to the fallback mode and empty whitelists.

package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/2389/coven-acp/internal/store"
)

// Settings namespace and keys holding the policy.
const (
	Namespace           = "permissions"
	KeyApprovalMode     = "approval_mode"
	KeyToolWhitelist    = "tool_whitelist"
	KeyCommandWhitelist = "command_whitelist"
)

// Mode is the approval mode.
type Mode string

const (
	ModeDefault Mode = "default"
	ModeAuto    Mode = "auto"
	ModeManual  Mode = "manual"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDefault, ModeAuto, ModeManual:
		return m, nil
	}
	return "", fmt.Errorf("unknown approval mode %q (want default, auto or manual)", s)
}

// Policy supplies the approval mode and whitelists. Implementations never
// fail; unreadable values degrade to a fallback mode and empty lists.
type Policy interface {
	ApprovalMode(ctx context.Context) Mode
	ToolWhitelist(ctx context.Context) []string
	CommandWhitelist(ctx context.Context) []string
}

// StorePolicy reads the policy from the settings store on every call.
type StorePolicy struct {
	settings store.SettingsStore
	fallback Mode
	logger   *slog.Logger
}

// NewStorePolicy creates a policy over settings. An empty fallback means auto.
func NewStorePolicy(settings store.SettingsStore, fallback Mode, logger *slog.Logger) *StorePolicy {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback == "" {
		fallback = ModeAuto
	}
	return &StorePolicy{
		settings: settings,
		fallback: fallback,
		logger:   logger.With("component", "policy"),
	}
}

func (p *StorePolicy) read(ctx context.Context, key string) (string, bool) {
	v, err := p.settings.GetSetting(ctx, Namespace, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("policy read failed", "key", key, "error", err)
		}
		return "", false
	}
	return v, true
}

func (p *StorePolicy) ApprovalMode(ctx context.Context) Mode {
	v, ok := p.read(ctx, KeyApprovalMode)
	if !ok {
		return p.fallback
	}
	mode, err := ParseMode(v)
	if err != nil {
		p.logger.Warn("ignoring stored approval mode", "error", err)
		return p.fallback
	}
	return mode
}

func (p *StorePolicy) ToolWhitelist(ctx context.Context) []string {
	return p.list(ctx, KeyToolWhitelist)
}

func (p *StorePolicy) CommandWhitelist(ctx context.Context) []string {
	return p.list(ctx, KeyCommandWhitelist)
}

func (p *StorePolicy) list(ctx context.Context, key string) []string {
	v, ok := p.read(ctx, key)
	if !ok {
		return nil
	}
	return parseList(v)
}

// parseList reads a JSON array of strings, skipping non-string items.
func parseList(v string) []string {
	if !gjson.Valid(v) {
		return nil
	}
	arr := gjson.Parse(v)
	if !arr.IsArray() {
		return nil
	}
	var out []string
	for _, item := range arr.Array() {
		if item.Type == gjson.String && item.String() != "" {
			out = append(out, item.String())
		}
	}
	return out
}

// SetApprovalMode stores mode.
func SetApprovalMode(ctx context.Context, settings store.SettingsStore, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	return settings.SetSetting(ctx, Namespace, KeyApprovalMode, string(mode))
}

// AddToWhitelist appends entry to the list under key if it is not present.
func AddToWhitelist(ctx context.Context, settings store.SettingsStore, key, entry string) error {
	return updateList(ctx, settings, key, func(list []string) []string {
		if slices.Contains(list, entry) {
			return list
		}
		return append(list, entry)
	})
}

// RemoveFromWhitelist deletes entry from the list under key.
func RemoveFromWhitelist(ctx context.Context, settings store.SettingsStore, key, entry string) error {
	return updateList(ctx, settings, key, func(list []string) []string {
		return slices.DeleteFunc(list, func(s string) bool { return s == entry })
	})
}

func updateList(ctx context.Context, settings store.SettingsStore, key string, fn func([]string) []string) error {
	if key != KeyToolWhitelist && key != KeyCommandWhitelist {
		return fmt.Errorf("unknown whitelist %q", key)
	}
	current, err := settings.GetSetting(ctx, Namespace, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	doc := "[]"
	for _, entry := range fn(parseList(current)) {
		if doc, err = sjson.Set(doc, "-1", entry); err != nil {
			return fmt.Errorf("encoding %s: %w", key, err)
		}
	}
	return settings.SetSetting(ctx, Namespace, key, doc)
}
