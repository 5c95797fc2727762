package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/lingobridge/pkg/audio"
	"github.com/MrWong99/lingobridge/pkg/provider/llm"
	"github.com/MrWong99/lingobridge/pkg/provider/s2s"
	"github.com/MrWong99/lingobridge/pkg/provider/stt"
	"github.com/MrWong99/lingobridge/pkg/provider/tts"
	"github.com/MrWong99/lingobridge/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned when a config names a provider no
// factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type T from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

type factories[T any] struct {
	kind   string
	byName map[string]Factory[T]
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, byName: make(map[string]Factory[T])}
}

func (f factories[T]) create(mu *sync.RWMutex, entry ProviderEntry) (T, error) {
	mu.RLock()
	build, ok := f.byName[entry.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return build(entry)
}

// Registry resolves provider names from the config to constructors, one
// namespace per provider kind. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	llm   factories[llm.Provider]
	stt   factories[stt.Provider]
	tts   factories[tts.Provider]
	vad   factories[vad.Engine]
	audio factories[audio.Platform]
	s2s   factories[s2s.Provider]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm:   newFactories[llm.Provider]("llm"),
		stt:   newFactories[stt.Provider]("stt"),
		tts:   newFactories[tts.Provider]("tts"),
		vad:   newFactories[vad.Engine]("vad"),
		audio: newFactories[audio.Platform]("audio"),
		s2s:   newFactories[s2s.Provider]("s2s"),
	}
}

func register[T any](r *Registry, f factories[T], name string, build Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.byName[name] = build
}

// RegisterLLM registers a translation backend. A later registration under
// the same name replaces the earlier one; the same holds for every kind.
func (r *Registry) RegisterLLM(name string, build Factory[llm.Provider]) {
	register(r, r.llm, name, build)
}

func (r *Registry) RegisterSTT(name string, build Factory[stt.Provider]) {
	register(r, r.stt, name, build)
}

func (r *Registry) RegisterTTS(name string, build Factory[tts.Provider]) {
	register(r, r.tts, name, build)
}

func (r *Registry) RegisterVAD(name string, build Factory[vad.Engine]) {
	register(r, r.vad, name, build)
}

func (r *Registry) RegisterAudio(name string, build Factory[audio.Platform]) {
	register(r, r.audio, name, build)
}

func (r *Registry) RegisterS2S(name string, build Factory[s2s.Provider]) {
	register(r, r.s2s, name, build)
}

// CreateLLM builds the backend registered under entry.Name or fails with
// [ErrProviderNotRegistered]. The other Create methods behave alike.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(&r.mu, entry)
}

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return r.stt.create(&r.mu, entry)
}

func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return r.tts.create(&r.mu, entry)
}

func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return r.vad.create(&r.mu, entry)
}

func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Platform, error) {
	return r.audio.create(&r.mu, entry)
}

func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	return r.s2s.create(&r.mu, entry)
}

// Names lists the registered provider names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		r.llm.kind:   slices.Sorted(maps.Keys(r.llm.byName)),
		r.stt.kind:   slices.Sorted(maps.Keys(r.stt.byName)),
		r.tts.kind:   slices.Sorted(maps.Keys(r.tts.byName)),
		r.vad.kind:   slices.Sorted(maps.Keys(r.vad.byName)),
		r.audio.kind: slices.Sorted(maps.Keys(r.audio.byName)),
		r.s2s.kind:   slices.Sorted(maps.Keys(r.s2s.byName)),
	}
}
