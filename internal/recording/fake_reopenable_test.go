package recording

import "bytes"

// fakeReopenable is a Reopenable test double over an in-memory byte
// slice that can be swapped out to simulate an external producer
// appending more data between an EOF and the next Reopen call.
type fakeReopenable struct {
	data []byte
	r    *bytes.Reader
}

func newFakeReopenable(data []byte) *fakeReopenable {
	return &fakeReopenable{data: data, r: bytes.NewReader(data)}
}

func (f *fakeReopenable) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *fakeReopenable) Seek(offset int64, whence int) (int64, error) {
	return f.r.Seek(offset, whence)
}

func (f *fakeReopenable) Reopen() error {
	f.r = bytes.NewReader(f.data)
	return nil
}

// grow replaces the underlying data with a longer slice, as if the
// producer appended more bytes while this reader was idle.
func (f *fakeReopenable) grow(data []byte) { f.data = data }

// encodeLeaf builds one leaf element's raw bytes (id + size + payload).
func encodeLeaf(id ElementID, value []byte) []byte {
	var buf bytes.Buffer
	if err := writeElement(&buf, id, value); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// encodeMaster builds one known-size master element's raw bytes,
// concatenating the already-encoded children as its body.
func encodeMaster(id ElementID, children ...[]byte) []byte {
	var body []byte
	for _, c := range children {
		body = append(body, c...)
	}
	var buf bytes.Buffer
	if err := writeElement(&buf, id, body); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// encodeMasterStart builds an unknown-size master's opening bytes
// (Segment, Cluster).
func encodeMasterStart(id ElementID) []byte {
	var buf bytes.Buffer
	if err := writeUnknownSizeStart(&buf, id); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// encodeSimpleBlock builds one SimpleBlock element carrying an
// intra-cluster timecode and keyframe flag; the frame payload's content
// is irrelevant to SimpleBlock keyframe detection, which reads the
// flags byte directly.
func encodeSimpleBlock(trackNumber uint64, timecode int16, keyframe bool, frame []byte) []byte {
	var buf bytes.Buffer
	if err := writeElement(&buf, idSimpleBlock, encodeBlockHeader(trackNumber, timecode, keyframe, frame)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func concatAll(chunks ...[]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
