package session

// State is the raw authoritative tuple. Position is a checkpoint as of LastUpdate,
// it is never current while Playing is true.
type State struct {
	MediaRef   string
	Playing    bool
	Position   float64
	LastUpdate int64 // ms since epoch
}

// Clock holds authoritative playback state of a session.
// All times are milliseconds since epoch. Clock is not safe for concurrent use,
// its owner must serialize access.
type Clock struct {
	st State
}

func NewClock(mediaRef string, now int64) *Clock {
	return &Clock{
		st: State{
			MediaRef:   mediaRef,
			LastUpdate: now,
		},
	}
}

// ExtrapolatedPosition is the only correct way to read current position.
func (c *Clock) ExtrapolatedPosition(now int64) float64 {
	if !c.st.Playing {
		return c.st.Position
	}
	return c.st.Position + float64(now-c.st.LastUpdate)/1000
}

// Checkpoint folds elapsed time into position.
func (c *Clock) Checkpoint(now int64) {
	c.st.Position = c.ExtrapolatedPosition(now)
	c.st.LastUpdate = now
}

func (c *Clock) ApplyPlay(now int64) {
	c.Checkpoint(now)
	c.st.Playing = true
	c.st.LastUpdate = now
}

func (c *Clock) ApplyPause(now int64) {
	c.Checkpoint(now)
	c.st.Playing = false
}

// ApplySeek does not change transport state.
func (c *Clock) ApplySeek(now int64, position float64) {
	c.st.Position = position
	c.st.LastUpdate = now
}

func (c *Clock) ApplyChangeMedia(now int64, mediaRef string) {
	c.st = State{
		MediaRef:   mediaRef,
		LastUpdate: now,
	}
}

func (c *Clock) MediaRef() string { return c.st.MediaRef }

func (c *Clock) Playing() bool { return c.st.Playing }

// Snapshot returns a copy of the raw tuple.
func (c *Clock) Snapshot() State { return c.st }
