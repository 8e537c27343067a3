package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	ErrParsingConfig   = errors.New("failed to parse environment variables into config")
	ErrConfigNotLoaded = errors.New("configuration has not been loaded")
	ErrNilPointer      = errors.New("nil pointer provided to config loader")
)

// entry holds one parsed configuration. A failed parse is not cached.
type entry struct {
	once  sync.Once
	value any
	err   error
}

var (
	dotenvOnce sync.Once

	mu      sync.Mutex
	entries = map[reflect.Type]*entry{}
	loaded  = map[reflect.Type]any{}
)

func lookup(typ reflect.Type) *entry {
	mu.Lock()
	defer mu.Unlock()

	e, ok := entries[typ]
	if !ok {
		e = &entry{}
		entries[typ] = e
	}
	return e
}

func forget(typ reflect.Type, e *entry) {
	mu.Lock()
	defer mu.Unlock()

	if entries[typ] == e {
		delete(entries, typ)
	}
}

// Load fills v from the environment. The first successful call for a type is
// cached and every later call receives a copy of that value. Fields of v
// without a matching variable or envDefault keep the value they had on the
// first call.
//
//	var cfg pg.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	dotenvOnce.Do(func() {
		// A missing .env is the normal case outside development.
		_ = godotenv.Load()
	})

	typ := reflect.TypeFor[T]()
	e := lookup(typ)
	e.once.Do(func() {
		parsed := *v
		if err := env.Parse(&parsed); err != nil {
			e.err = errors.Join(ErrParsingConfig, err)
			return
		}
		e.value = parsed

		mu.Lock()
		loaded[typ] = parsed
		mu.Unlock()
	})

	if e.err != nil {
		forget(typ, e)
		return e.err
	}
	*v = e.value.(T)
	return nil
}

// MustLoad is like Load but panics on error.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("config: load %s: %v", reflect.TypeFor[T](), err))
	}
}

// Get returns the cached configuration of type T without touching the
// environment.
func Get[T any]() (T, error) {
	mu.Lock()
	defer mu.Unlock()

	v, ok := loaded[reflect.TypeFor[T]()]
	if !ok {
		var zero T
		return zero, ErrConfigNotLoaded
	}
	return v.(T), nil
}

// ResetCache drops every cached configuration so the next Load re-parses the
// environment.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	entries = map[reflect.Type]*entry{}
	loaded = map[reflect.Type]any{}
}

// ForceReloadConfig evicts the cached value for T and loads it again.
func ForceReloadConfig[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	typ := reflect.TypeFor[T]()
	mu.Lock()
	delete(entries, typ)
	delete(loaded, typ)
	mu.Unlock()
	return Load(v)
}
