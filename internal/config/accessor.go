package config

import (
	"fmt"
	"net/url"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// A key is one scalar leaf of Config addressed by its JSON path, e.g.
// "webhook.port" or "credentials.whatsapp.phoneNumberId".
type key struct {
	path  string
	index []int
	typ   reflect.Type
}

// keys lists every leaf of Config, including ones omitted from saved files
// while empty.
var keys = collectKeys(reflect.TypeOf(Config{}), "", nil)

func collectKeys(t reflect.Type, prefix string, index []int) []key {
	var out []key
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		idx := append(slices.Clone(index), i)
		if sf.Type.Kind() == reflect.Struct {
			out = append(out, collectKeys(sf.Type, path, idx)...)
			continue
		}
		out = append(out, key{path: path, index: idx, typ: sf.Type})
	}
	return out
}

func findKey(path string) (key, bool) {
	for _, k := range keys {
		if k.path == path {
			return k, true
		}
	}
	return key{}, false
}

// Keys returns every settable path, sorted.
func Keys() []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.path
	}
	sort.Strings(out)
	return out
}

// GetByPath returns the value at path. A section path such as "poll"
// yields a map of its leaves keyed relative to the section.
func GetByPath(cfg *Config, path string) (any, error) {
	v := reflect.ValueOf(cfg).Elem()
	if k, ok := findKey(path); ok {
		return v.FieldByIndex(k.index).Interface(), nil
	}
	section := make(map[string]any)
	for _, k := range keys {
		if rest, ok := strings.CutPrefix(k.path, path+"."); ok {
			section[rest] = v.FieldByIndex(k.index).Interface()
		}
	}
	if len(section) == 0 {
		return nil, fmt.Errorf("unknown config key %q", path)
	}
	return section, nil
}

// SetByPath assigns value to the leaf at path. String values are parsed
// according to the field's type, so "8443" sets an int port and
// "15550001" stays a string phone number id.
func SetByPath(cfg *Config, path string, value any) error {
	k, ok := findKey(path)
	if !ok {
		return fmt.Errorf("unknown config key %q", path)
	}
	field := reflect.ValueOf(cfg).Elem().FieldByIndex(k.index)

	s, isString := value.(string)
	if !isString {
		rv := reflect.ValueOf(value)
		if !rv.IsValid() || !rv.Type().ConvertibleTo(k.typ) {
			return fmt.Errorf("%s: cannot assign %T to %s", path, value, k.typ)
		}
		field.Set(rv.Convert(k.typ))
		return nil
	}

	switch k.typ.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", path, s)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || field.OverflowInt(n) {
			return fmt.Errorf("%s: %q is not an integer", path, s)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", path, s)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("%s: unsupported type %s", path, k.typ)
	}
	return nil
}

// ListPaths returns every key with its current value.
func ListPaths(cfg *Config) map[string]any {
	v := reflect.ValueOf(cfg).Elem()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k.path] = v.FieldByIndex(k.index).Interface()
	}
	return out
}

// Sanitize returns a copy of cfg with secrets masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	for _, w := range []*WebhookSecrets{&c.Webhook.WhatsApp, &c.Webhook.Telegram, &c.Webhook.Instagram, &c.Webhook.Messenger} {
		w.VerifyToken = maskString(w.VerifyToken)
		w.AppSecret = maskString(w.AppSecret)
		w.SecretToken = maskString(w.SecretToken)
	}
	for _, p := range []*PlatformCredential{&c.Credentials.WhatsApp, &c.Credentials.Telegram, &c.Credentials.Instagram, &c.Credentials.Messenger} {
		p.AccessToken = maskString(p.AccessToken)
		p.BotToken = maskString(p.BotToken)
		p.AppSecret = maskString(p.AppSecret)
	}
	c.Store.DSN = maskDSN(c.Store.DSN)
	return &c
}

// maskDSN hides a password embedded in a store URL.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// maskString keeps the first and last four characters of long secrets.
func maskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
