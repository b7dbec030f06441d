package es

import "log/slog"

// Version is the 0-based revision of an aggregate within its stream.
// It matches the backing log's revision numbering: the first event of a
// stream has version 0, and an aggregate without history has NoVersion.
type Version int64

// NoVersion is the version of an aggregate that has no history yet.
const NoVersion Version = -1

func (v Version) Int64() int64                           { return int64(v) }
func (v Version) Next() Version                          { return v + 1 }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Int64(key, int64(v)) }

// Position is a cursor into a stream. For aggregate streams it equals the
// revision; derived streams use a backend defined monotonic value.
type Position int64

// NoPosition means nothing has been processed yet.
const NoPosition Position = -1

func (p Position) Int64() int64        { return int64(p) }
func (p Position) SlogAttr() slog.Attr { return slog.Int64("position", int64(p)) }
