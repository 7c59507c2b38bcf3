// Package messages renders conflict descriptions in the caller's language.
package messages

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

var (
	bundleOnce sync.Once
	bundle     *i18n.Bundle
	bundleErr  error

	defaultMu     sync.RWMutex
	defaultLocale = "en"
)

type ctxKey struct{}

func load() (*i18n.Bundle, error) {
	bundleOnce.Do(func() {
		b := i18n.NewBundle(language.English)
		b.RegisterUnmarshalFunc("json", json.Unmarshal)
		entries, err := localeFS.ReadDir("locales")
		if err != nil {
			bundleErr = fmt.Errorf("read locales: %w", err)
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := localeFS.ReadFile("locales/" + e.Name())
			if err != nil {
				bundleErr = fmt.Errorf("read %s: %w", e.Name(), err)
				return
			}
			if _, err := b.ParseMessageFileBytes(data, e.Name()); err != nil {
				bundleErr = fmt.Errorf("parse %s: %w", e.Name(), err)
				return
			}
		}
		bundle = b
	})
	return bundle, bundleErr
}

// Init parses the embedded locales and sets the fallback locale.
func Init(locale string) error {
	if _, err := load(); err != nil {
		return err
	}
	if locale != "" {
		defaultMu.Lock()
		defaultLocale = locale
		defaultMu.Unlock()
	}
	return nil
}

// WithLocale stores a locale or Accept-Language value on the context.
func WithLocale(ctx context.Context, locale string) context.Context {
	return context.WithValue(ctx, ctxKey{}, locale)
}

func localeFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok && v != "" {
		return v
	}
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLocale
}

// T localizes messageID. Unknown ids come back verbatim so a missing
// translation never hides a conflict.
func T(ctx context.Context, messageID string, data map[string]any) string {
	b, err := load()
	if err != nil {
		return messageID
	}
	defaultMu.RLock()
	fallback := defaultLocale
	defaultMu.RUnlock()

	l := i18n.NewLocalizer(b, localeFromContext(ctx), fallback)
	msg, err := l.Localize(&i18n.LocalizeConfig{MessageID: messageID, TemplateData: data})
	if err != nil {
		return messageID
	}
	return msg
}
