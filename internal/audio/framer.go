package audio

import "time"

// Framer cuts an arbitrary sample stream into fixed-size frames. It is not
// safe for concurrent use; each direction of a session owns one.
type Framer struct {
	frameSamples int
	ring         *RingBuffer
	seq          uint64
}

// NewFramer creates a framer emitting frames of frameSamples samples
func NewFramer(frameSamples int) *Framer {
	if frameSamples < 1 {
		frameSamples = 1
	}
	return &Framer{
		frameSamples: frameSamples,
		ring:         NewRingBuffer(frameSamples*4 + 1),
	}
}

// FrameSamples returns the frame size
func (f *Framer) FrameSamples() int {
	return f.frameSamples
}

// Push appends samples and returns every frame that became complete. ts is
// the capture time of the first frame returned; later frames are offset by
// one frame duration at the pipeline rate.
func (f *Framer) Push(samples []int16, ts time.Time) []*Frame {
	var frames []*Frame
	step := time.Duration(f.frameSamples) * time.Second / PipelineSampleRate

	for len(samples) > 0 {
		n := f.ring.Write(samples)
		samples = samples[n:]

		for f.ring.Available() >= f.frameSamples {
			buf := make([]int16, f.frameSamples)
			f.ring.Read(buf)
			frames = append(frames, f.next(buf, ts.Add(time.Duration(len(frames))*step)))
		}
	}
	return frames
}

// Flush returns the pending remainder padded with silence, or nil
func (f *Framer) Flush() *Frame {
	pending := f.ring.Available()
	if pending == 0 {
		return nil
	}
	buf := make([]int16, f.frameSamples)
	f.ring.Read(buf[:pending])
	return f.next(buf, time.Now())
}

// Pending returns the number of buffered samples
func (f *Framer) Pending() int {
	return f.ring.Available()
}

// Reset drops buffered samples. Sequence numbers keep increasing.
func (f *Framer) Reset() {
	f.ring.Clear()
}

func (f *Framer) next(samples []int16, ts time.Time) *Frame {
	fr := &Frame{Seq: f.seq, Timestamp: ts, Samples: samples}
	f.seq++
	return fr
}
