package fgas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-api/internal/metrics"
	"github.com/JakeFAU/directory-api/internal/record"
)

// accumulator collects unique directory entries from intercepted result pages.
// Every intercepted page, usable or not, advances the page sequence and wakes
// anyone blocked in waitPage.
type accumulator struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	entries []record.DirectoryEntry
	pages   uint64
	changed chan struct{}
	logger  *zap.Logger
}

func newAccumulator(logger *zap.Logger) *accumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &accumulator{
		seen:    make(map[string]struct{}),
		changed: make(chan struct{}),
		logger:  logger,
	}
}

// ingest records one intercepted data response.
func (a *accumulator) ingest(url string, status int, body []byte, fetchErr error) {
	metrics.ObserveScrapePage()

	var page []record.DirectoryEntry
	switch {
	case fetchErr != nil:
		a.logger.Warn("directory response unreadable", zap.String("url", url), zap.Error(fetchErr))
	case status < 200 || status > 299:
		a.logger.Warn("directory response not OK", zap.String("url", url), zap.Int("status", status))
	default:
		var err error
		page, err = parsePage(body)
		if err != nil {
			a.logger.Warn("directory response JSON invalid", zap.String("url", url), zap.Error(err))
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, entry := range page {
		name := entry.Company.String()
		if _, dup := a.seen[name]; dup {
			continue
		}
		a.seen[name] = struct{}{}
		a.entries = append(a.entries, entry)
		a.logger.Debug("directory entry added", zap.String("company", name), zap.Int("total", len(a.entries)))
	}
	a.pages++
	close(a.changed)
	a.changed = make(chan struct{})
}

func (a *accumulator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// seq returns the number of pages seen so far; pass it to waitPage before
// triggering the request whose response should be awaited.
func (a *accumulator) seq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages
}

// waitPage blocks until a page newer than since has been ingested.
func (a *accumulator) waitPage(ctx context.Context, since uint64) error {
	for {
		a.mu.Lock()
		if a.pages > since {
			a.mu.Unlock()
			return nil
		}
		ch := a.changed
		a.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("wait for results page: %w", ctx.Err())
		}
	}
}

// take returns at most n entries in discovery order.
func (a *accumulator) take(n int) []record.DirectoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > len(a.entries) {
		n = len(a.entries)
	}
	out := make([]record.DirectoryEntry, n)
	copy(out, a.entries[:n])
	return out
}

type pageValue struct {
	key string
	raw json.RawMessage
}

// parsePage extracts company entries from a results payload. The payload is
// an object keyed by row index (plus bookkeeping keys) or a plain array.
// Values without a Company name are ignored.
func parsePage(body []byte) ([]record.DirectoryEntry, error) {
	values, err := pageValues(body)
	if err != nil {
		return nil, err
	}
	entries := make([]record.DirectoryEntry, 0, len(values))
	for _, v := range values {
		raw := bytes.TrimSpace(v.raw)
		if len(raw) == 0 || raw[0] != '{' {
			continue
		}
		var entry record.DirectoryEntry
		if err := record.Decode(raw, &entry); err != nil {
			continue
		}
		if entry.Company == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func pageValues(body []byte) ([]pageValue, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	if body[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
		values := make([]pageValue, 0, len(raws))
		for i, raw := range raws {
			values = append(values, pageValue{key: strconv.Itoa(i), raw: raw})
		}
		return values, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("unexpected payload starting with %v", tok)
	}
	var values []pageValue
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode key: %w", err)
		}
		key, _ := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode value %q: %w", key, err)
		}
		values = append(values, pageValue{key: key, raw: raw})
	}
	end, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode object end: %w", err)
	}
	if delim, ok := end.(json.Delim); !ok || delim != '}' {
		return nil, fmt.Errorf("unexpected token %v at end of object", end)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after object")
	}
	orderKeys(values)
	return values, nil
}

// orderKeys puts array-index keys first in numeric order and leaves the rest
// in document order, which is how the widget itself enumerates rows.
func orderKeys(values []pageValue) {
	sort.SliceStable(values, func(i, j int) bool {
		ni, iok := indexKey(values[i].key)
		nj, jok := indexKey(values[j].key)
		switch {
		case iok && jok:
			return ni < nj
		case iok:
			return true
		default:
			return false
		}
	})
}

func indexKey(key string) (uint64, bool) {
	if key == "" || (len(key) > 1 && key[0] == '0') {
		return 0, false
	}
	n, err := strconv.ParseUint(key, 10, 32)
	if err != nil {
		return 0, false
	}
	return n, true
}
