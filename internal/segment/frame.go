package segment

// FrameSize returns the byte length of a 10 ms PCM frame.
func FrameSize(sampleRate, bytesPerSample, channels int) int {
	if sampleRate <= 0 || bytesPerSample <= 0 || channels <= 0 {
		return 0
	}
	return sampleRate * bytesPerSample * channels / 100
}

// FrameSplitter regroups an arbitrary byte stream into fixed-size frames.
type FrameSplitter struct {
	size    int
	pending []byte
	total   int
}

// NewFrameSplitter returns a splitter cutting frames of size bytes. A size of
// zero or less passes chunks through untouched.
func NewFrameSplitter(size int) *FrameSplitter {
	return &FrameSplitter{size: size}
}

// Feed consumes chunk and returns every frame it completed. Returned frames
// do not alias chunk.
func (f *FrameSplitter) Feed(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}
	f.total += len(chunk)
	if f.size <= 0 {
		return [][]byte{append([]byte(nil), chunk...)}
	}
	f.pending = append(f.pending, chunk...)
	var frames [][]byte
	for len(f.pending) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.pending[:f.size])
		frames = append(frames, frame)
		f.pending = f.pending[f.size:]
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
	return frames
}

// Flush returns the trailing partial frame, if any.
func (f *FrameSplitter) Flush() ([]byte, bool) {
	if len(f.pending) == 0 {
		return nil, false
	}
	rest := append([]byte(nil), f.pending...)
	f.pending = nil
	return rest, true
}

// Total returns the number of bytes fed so far.
func (f *FrameSplitter) Total() int {
	return f.total
}
