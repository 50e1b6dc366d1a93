package jobflow

import (
	"encoding/base64"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	frameKindMeta = "meta"
	frameKindBody = "body"
)

// frame is one message on a reply channel. Frames are ordered by (attempt, seq) where attempt is the recorded run of
// the job that published it and seq counts the frames published by that run.
type frame struct {
	Attempt int
	Seq     int
	Kind    string
	Status  int
	Headers map[string]string
	Body    []byte
	Final   bool
}

func marshalFrame(f frame) ([]byte, error) {
	headers := make(map[string]any, len(f.Headers))
	for k, v := range f.Headers {
		headers[k] = v
	}

	s, err := structpb.NewStruct(map[string]any{
		"attempt": f.Attempt,
		"seq":     f.Seq,
		"kind":    f.Kind,
		"status":  f.Status,
		"headers": headers,
		"body":    f.Body,
		"final":   f.Final,
	})
	if err != nil {
		return nil, err
	}

	return proto.Marshal(s)
}

func unmarshalFrame(b []byte) (frame, error) {
	var s structpb.Struct
	err := proto.Unmarshal(b, &s)
	if err != nil {
		return frame{}, err
	}

	fields := s.GetFields()

	// NewStruct encodes []byte as a base64 string.
	body, err := base64.StdEncoding.DecodeString(fields["body"].GetStringValue())
	if err != nil {
		return frame{}, err
	}

	var headers map[string]string
	if h := fields["headers"].GetStructValue(); h != nil && len(h.GetFields()) > 0 {
		headers = make(map[string]string, len(h.GetFields()))
		for k, v := range h.GetFields() {
			headers[k] = v.GetStringValue()
		}
	}

	return frame{
		Attempt: int(fields["attempt"].GetNumberValue()),
		Seq:     int(fields["seq"].GetNumberValue()),
		Kind:    fields["kind"].GetStringValue(),
		Status:  int(fields["status"].GetNumberValue()),
		Headers: headers,
		Body:    body,
		Final:   fields["final"].GetBoolValue(),
	}, nil
}

func replyChannel(runtimeID, responseKey string) string {
	return "reply." + runtimeID + "." + responseKey
}

// frameBuffer reorders frames that arrive out of publish order. Frames of an earlier attempt that arrive after a
// later attempt has started are dropped.
type frameBuffer struct {
	attempt int
	next    int
	pending map[[2]int]frame
}

func newFrameBuffer() *frameBuffer {
	return &frameBuffer{pending: make(map[[2]int]frame)}
}

func (b *frameBuffer) Add(f frame) {
	if f.Attempt < b.attempt || (f.Attempt == b.attempt && f.Seq < b.next) {
		return
	}

	b.pending[[2]int{f.Attempt, f.Seq}] = f
}

// Next returns the next frame in order if it has arrived.
func (b *frameBuffer) Next() (frame, bool) {
	key := [2]int{b.attempt, b.next}
	if f, ok := b.pending[key]; ok {
		delete(b.pending, key)
		b.next++
		return f, true
	}

	// A later attempt only takes over once its first frame has arrived.
	best := -1
	for k := range b.pending {
		if k[0] > b.attempt && k[1] == 0 && (best == -1 || k[0] < best) {
			best = k[0]
		}
	}

	if best == -1 {
		return frame{}, false
	}

	for k := range b.pending {
		if k[0] < best {
			delete(b.pending, k)
		}
	}

	b.attempt = best
	b.next = 0
	return b.Next()
}
