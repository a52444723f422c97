package client

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Player is the video rendering widget driven by a peer.
type Player interface {
	LoadVideo(mediaRef string)
	SeekTo(position float64)
	Play()
	Pause()
	CurrentTime() float64
}

// VirtualPlayer is a headless Player that extrapolates position locally.
// Rate other than 1 simulates playback engine running fast or slow.
type VirtualPlayer struct {
	mx       *sync.Mutex
	clk      clockwork.Clock
	rate     float64
	mediaRef string
	playing  bool
	position float64
	at       time.Time
}

func NewVirtualPlayer(clk clockwork.Clock, rate float64) *VirtualPlayer {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if rate <= 0 {
		rate = 1
	}
	return &VirtualPlayer{
		mx:   &sync.Mutex{},
		clk:  clk,
		rate: rate,
		at:   clk.Now(),
	}
}

func (vp *VirtualPlayer) LoadVideo(mediaRef string) {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	vp.mediaRef = mediaRef
	vp.playing = false
	vp.position = 0
	vp.at = vp.clk.Now()
}

func (vp *VirtualPlayer) SeekTo(position float64) {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	vp.position = position
	vp.at = vp.clk.Now()
}

func (vp *VirtualPlayer) Play() {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	vp.position = vp.current()
	vp.at = vp.clk.Now()
	vp.playing = true
}

func (vp *VirtualPlayer) Pause() {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	vp.position = vp.current()
	vp.at = vp.clk.Now()
	vp.playing = false
}

func (vp *VirtualPlayer) CurrentTime() float64 {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	return vp.current()
}

func (vp *VirtualPlayer) MediaRef() string {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	return vp.mediaRef
}

func (vp *VirtualPlayer) Playing() bool {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	return vp.playing
}

func (vp *VirtualPlayer) current() float64 {
	if !vp.playing {
		return vp.position
	}
	return vp.position + vp.clk.Since(vp.at).Seconds()*vp.rate
}
