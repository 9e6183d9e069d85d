package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/samcharles93/prism/internal/artifact"
	"github.com/samcharles93/prism/internal/logger"
)

// Fetcher is the part of the artifact cache the loader uses.
type Fetcher interface {
	Fetch(ctx context.Context, url string, progress artifact.ProgressFunc) ([]byte, error)
	FetchFile(ctx context.Context, url string, progress artifact.ProgressFunc) (string, error)
	Probe(ctx context.Context, url string) (int64, bool, error)
}

const (
	StatusLoading = "loading"
	StatusDone    = "done"
)

// ProgressEvent reports per-file load progress (0-100).
type ProgressEvent struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	File     string `json:"file"`
}

type ProgressFunc func(ProgressEvent)

// Loader fetches graph files and their external data through a Fetcher and
// hands them to an Engine.
type Loader struct {
	Fetcher Fetcher
	Engine  Engine
	// Shards overrides DefaultShards.
	Shards map[string]int
	Logger logger.Logger
}

// Load builds the three graphs under base, one after another. On failure
// every graph already built is released.
func (l *Loader) Load(ctx context.Context, base, device string, q Quantization, progress ProgressFunc) (*Set, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	log := logger.Component(l.Logger, "graph")
	set := &Set{}
	for _, kind := range Kinds {
		if err := ctx.Err(); err != nil {
			set.Release(log)
			return nil, err
		}
		g, err := l.loadOne(ctx, log, base, device, kind, q.For(kind), progress)
		if err != nil {
			set.Release(log)
			return nil, err
		}
		set.put(kind, g)
	}
	return set, nil
}

func (l *Loader) loadOne(ctx context.Context, log logger.Logger, base, device string, kind Kind, tag string, progress ProgressFunc) (Graph, error) {
	file := FileName(kind, tag)
	start := time.Now()
	log.Info("loading graph", "graph", kind.String(), "file", file, "device", device)

	model, external, err := l.fetchGraph(ctx, log, base, kind, file, progress)
	if err != nil {
		return nil, err
	}
	g, err := safeLoad(ctx, l.Engine, Spec{Name: kind.String(), Model: model, ExternalData: external, Device: device})
	if err != nil {
		return nil, NormalizeLoadError(kind.String(), err)
	}
	emit(progress, ProgressEvent{Status: StatusDone, Progress: 100, File: file})
	log.Info("graph ready", "graph", kind.String(), "shards", len(external), "elapsed", time.Since(start).Round(time.Millisecond))
	return g, nil
}

// Prefetch downloads every graph file and its external data into the
// fetcher's cache without building anything. It returns the bytes fetched.
func (l *Loader) Prefetch(ctx context.Context, base string, q Quantization, progress ProgressFunc) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	log := logger.Component(l.Logger, "graph")
	var total int64
	for _, kind := range Kinds {
		file := FileName(kind, q.For(kind))
		model, external, err := l.fetchGraph(ctx, log, base, kind, file, progress)
		if err != nil {
			return total, err
		}
		total += max(model.Size, 0)
		for _, a := range external {
			total += max(a.Size, 0)
		}
		emit(progress, ProgressEvent{Status: StatusDone, Progress: 100, File: file})
	}
	return total, nil
}

// fetchGraph resolves a graph file and whichever of its shards exist.
func (l *Loader) fetchGraph(ctx context.Context, log logger.Logger, base string, kind Kind, file string, progress ProgressFunc) (Artifact, []Artifact, error) {
	url := joinURL(base, file)
	size, ok, err := l.probe(ctx, log, url)
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("graph %s: %w", kind, err)
	}
	if !ok {
		return Artifact{}, nil, fmt.Errorf("graph %s: %w", kind, &artifact.StatusError{Method: http.MethodHead, URL: url, StatusCode: http.StatusNotFound})
	}
	model, err := l.fetch(ctx, base, file, size, progress)
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("graph %s: %w", kind, err)
	}

	var external []Artifact
	for i := range l.shardCount(file) {
		name := ShardName(file, i)
		url := joinURL(base, name)
		size, ok, err := l.probe(ctx, log, url)
		if err != nil {
			return Artifact{}, nil, fmt.Errorf("graph %s: shard %s: %w", kind, name, err)
		}
		if !ok {
			log.Debug("external data absent", "file", name)
			continue
		}
		a, err := l.fetch(ctx, base, name, size, progress)
		if size < 0 && artifact.NotFound(err) {
			log.Debug("external data absent", "file", name)
			continue
		}
		if err != nil {
			return Artifact{}, nil, fmt.Errorf("graph %s: shard %s: %w", kind, name, err)
		}
		external = append(external, a)
	}
	return model, external, nil
}

// probe checks that url exists. Hosts that refuse HEAD with anything other
// than 404 are treated as "exists, size unknown" and the GET decides.
func (l *Loader) probe(ctx context.Context, log logger.Logger, url string) (int64, bool, error) {
	size, ok, err := l.Fetcher.Probe(ctx, url)
	var se *artifact.StatusError
	if err != nil && errors.As(err, &se) && se.StatusCode != http.StatusNotFound {
		log.Debug("size probe refused", "url", url, "status", se.StatusCode)
		return -1, true, nil
	}
	return size, ok, err
}

// fetch applies the large-file policy: anything above the threshold stays on
// disk and reaches the engine by path. With an unknown size the body is
// buffered unless the GET declares it too large.
func (l *Loader) fetch(ctx context.Context, base, name string, size int64, progress ProgressFunc) (Artifact, error) {
	url := joinURL(base, name)
	if size <= artifact.LargeFileThreshold {
		data, err := l.Fetcher.Fetch(ctx, url, percent(progress, name))
		switch {
		case err == nil:
			return Artifact{Name: name, Data: data, Size: int64(len(data))}, nil
		case size >= 0 || !errors.Is(err, artifact.ErrTooLarge):
			return Artifact{}, err
		}
	}
	path, err := l.Fetcher.FetchFile(ctx, url, percent(progress, name))
	if err != nil {
		return Artifact{}, err
	}
	if size < 0 {
		if fi, err := os.Stat(path); err == nil {
			size = fi.Size()
		}
	}
	return Artifact{Name: name, Path: path, Size: size}, nil
}

func (l *Loader) shardCount(file string) int {
	if l.Shards != nil {
		return l.Shards[file]
	}
	return DefaultShards[file]
}

func safeLoad(ctx context.Context, engine Engine, spec Spec) (g Graph, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return engine.Load(ctx, spec)
}

// percent converts byte progress into monotonic whole-percent loading
// events.
func percent(progress ProgressFunc, file string) artifact.ProgressFunc {
	if progress == nil {
		return nil
	}
	var mu sync.Mutex
	last := -1
	return func(received, total int64) {
		if total <= 0 {
			return
		}
		pct := int(min(received*100/total, 100))
		mu.Lock()
		if pct <= last {
			mu.Unlock()
			return
		}
		last = pct
		mu.Unlock()
		progress(ProgressEvent{Status: StatusLoading, Progress: pct, File: file})
	}
}

func emit(progress ProgressFunc, ev ProgressEvent) {
	if progress != nil {
		progress(ev)
	}
}

func joinURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(name, "/")
}
