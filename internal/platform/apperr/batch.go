package apperr

import "net/http"

// BatchItemResult is one entry of a batch response envelope.
type BatchItemResult struct {
	Index        int    `json:"index"`
	ResponseCode int    `json:"response_code"`
	UID          string `json:"uid,omitempty"`
	Content      any    `json:"content,omitempty"`
	Error        *Body  `json:"error,omitempty"`
}

// Body is the JSON shape of an error.
type Body struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
}

// BodyOf renders err for a response.
func BodyOf(err error) *Body {
	if err == nil {
		return nil
	}
	return &Body{Type: KindOf(err), Message: Message(err)}
}

// Batch accumulates per-item outcomes.
type Batch struct {
	Items []BatchItemResult
}

func (b *Batch) Ok(index int, status int, uid string, content any) {
	b.Items = append(b.Items, BatchItemResult{Index: index, ResponseCode: status, UID: uid, Content: content})
}

func (b *Batch) Fail(index int, err error) {
	b.Items = append(b.Items, BatchItemResult{Index: index, ResponseCode: HTTPStatus(err), Error: BodyOf(err)})
}

// Failed reports whether any item failed.
func (b *Batch) Failed() bool {
	for _, it := range b.Items {
		if it.Error != nil {
			return true
		}
	}
	return false
}

// Status returns the overall status: 207 when outcomes are mixed.
func (b *Batch) Status() int {
	if len(b.Items) == 0 {
		return http.StatusOK
	}
	first := b.Items[0].ResponseCode
	for _, it := range b.Items[1:] {
		if it.ResponseCode != first {
			return http.StatusMultiStatus
		}
	}
	return first
}
