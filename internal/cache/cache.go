// Package cache keeps dataset and episode metadata plus a bounded window of
// episode data in memory for one experiment session. A Cache belongs to a
// single session and is not safe for concurrent use.
package cache

import (
	"context"
	"fmt"

	"novelty-server/internal/model"
	"novelty-server/internal/observability"
	"novelty-server/internal/store"
)

type Options struct {
	WindowSize      int
	ReloadThreshold int
}

// Dataset is the cached view of a dataset row.
type Dataset struct {
	ID       uint
	Key      model.DatasetKey
	Episodes int
}

// EpisodeKey addresses an episode inside a dataset.
type EpisodeKey struct {
	DatasetID uint
	Index     int
}

// Episode is the cached entry of one episode being served.
type Episode struct {
	ID        uint
	DatasetID uint
	Index     int
	Size      int
	// next position to hand out
	Cursor int
	// instance opened for the item at Cursor-1, 0 when none is open
	TestInstanceID uint

	window      []store.Row
	windowStart int
}

// Remaining is the number of unread rows of the episode.
func (e *Episode) Remaining() int { return e.Size - e.Cursor }

// Buffered is the number of loaded rows not yet handed out.
func (e *Episode) Buffered() int {
	n := e.windowStart + len(e.window) - e.Cursor
	if n < 0 {
		return 0
	}
	return n
}

// Rewind moves the cursor back to the first row so the episode can be served again.
func (e *Episode) Rewind() {
	e.Cursor = 0
	e.TestInstanceID = 0
}

// scope is what the cached entries are valid for; changing it rebuilds the cache.
type scope struct {
	Domain       string
	DataType     string
	Difficulty   string
	TrialNovelty int
}

type Cache struct {
	store   *store.Store
	opts    Options
	metrics *observability.Metrics

	scope    scope
	datasets map[model.DatasetKey]*Dataset
	episodes map[EpisodeKey]*Episode
}

func New(s *store.Store, opts Options, metrics *observability.Metrics) *Cache {
	if opts.ReloadThreshold < 1 {
		opts.ReloadThreshold = 2
	}
	if opts.WindowSize < opts.ReloadThreshold {
		opts.WindowSize = opts.ReloadThreshold
	}
	c := &Cache{store: s, opts: opts, metrics: metrics}
	c.rebuild(scope{})
	return c
}

func (c *Cache) rebuild(sc scope) {
	c.scope = sc
	c.datasets = make(map[model.DatasetKey]*Dataset)
	c.episodes = make(map[EpisodeKey]*Episode)
}

// Retarget discards every entry when key belongs to a different
// domain, data type, difficulty or trial novelty than the cached ones.
func (c *Cache) Retarget(key model.DatasetKey) {
	sc := scope{Domain: key.Domain, DataType: key.DataType, Difficulty: key.Difficulty, TrialNovelty: key.TrialNovelty}
	if sc != c.scope {
		c.rebuild(sc)
	}
}

// Discard drops every entry.
func (c *Cache) Discard() { c.rebuild(scope{}) }

// Len reports the number of cached datasets and episodes.
func (c *Cache) Len() (datasets, episodes int) { return len(c.datasets), len(c.episodes) }

// EnsureDataset returns the dataset for key, creating its row when absent.
func (c *Cache) EnsureDataset(ctx context.Context, key model.DatasetKey) (Dataset, error) {
	c.Retarget(key)
	if ds, ok := c.datasets[key]; ok {
		return *ds, nil
	}
	row, err := c.store.FindOrCreateDataset(ctx, key)
	if err != nil {
		return Dataset{}, fmt.Errorf("ensure dataset %+v: %w", key, err)
	}
	ds := &Dataset{ID: row.ID, Key: key, Episodes: row.Episodes}
	c.datasets[key] = ds
	return *ds, nil
}

// EnsureEpisode returns the cached entry of episode index, creating its row when absent.
func (c *Cache) EnsureEpisode(ctx context.Context, datasetID uint, index int) (*Episode, error) {
	k := EpisodeKey{DatasetID: datasetID, Index: index}
	if ep, ok := c.episodes[k]; ok {
		return ep, nil
	}
	row, err := c.store.FindOrCreateEpisode(ctx, datasetID, index)
	if err != nil {
		return nil, fmt.Errorf("ensure episode %d of dataset %d: %w", index, datasetID, err)
	}
	ep := &Episode{ID: row.ID, DatasetID: datasetID, Index: index, Size: row.Size}
	c.episodes[k] = ep
	return ep, nil
}

// AppendLiveEpisode mints the next episode of a dataset and caches its entry.
func (c *Cache) AppendLiveEpisode(ctx context.Context, datasetID uint, seed int64) (*Episode, error) {
	row, err := c.store.AppendLiveEpisode(ctx, datasetID, seed)
	if err != nil {
		return nil, err
	}
	for _, ds := range c.datasets {
		if ds.ID == datasetID && ds.Episodes <= row.Index {
			ds.Episodes = row.Index + 1
		}
	}
	ep := &Episode{ID: row.ID, DatasetID: datasetID, Index: row.Index}
	c.episodes[EpisodeKey{DatasetID: datasetID, Index: row.Index}] = ep
	return ep, nil
}

// LoadWindow replaces the window of ep with up to WindowSize rows from position from.
func (c *Cache) LoadWindow(ctx context.Context, ep *Episode, from int) error {
	rows, err := c.store.LoadData(ctx, ep.ID, from, c.opts.WindowSize)
	if err != nil {
		return fmt.Errorf("load window of episode %d at %d: %w", ep.ID, from, err)
	}
	ep.window = rows
	ep.windowStart = from
	if c.metrics != nil {
		c.metrics.CacheReloads.Inc()
	}
	return nil
}

// Next hands out the row at the cursor and advances it. ok is false once
// the episode is exhausted.
func (c *Cache) Next(ctx context.Context, ep *Episode) (row store.Row, ok bool, err error) {
	if ep.Cursor >= ep.Size {
		return store.Row{}, false, nil
	}
	if ep.Buffered() == 0 || ep.Cursor < ep.windowStart {
		if err := c.LoadWindow(ctx, ep, ep.Cursor); err != nil {
			return store.Row{}, false, err
		}
		if ep.Buffered() == 0 {
			// rows missing from the store end the episode early
			ep.Size = ep.Cursor
			return store.Row{}, false, nil
		}
	}

	row = ep.window[ep.Cursor-ep.windowStart]
	ep.Cursor++

	if ep.Buffered() < c.opts.ReloadThreshold && ep.Remaining() > ep.Buffered() {
		if err := c.LoadWindow(ctx, ep, ep.Cursor); err != nil {
			return row, true, err
		}
	}
	return row, true, nil
}
