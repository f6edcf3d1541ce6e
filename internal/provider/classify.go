package provider

import "fmt"

const unknownProviderError = "unknown provider error"

// quotaCodes are provider codes for exhausted balance, quota or rate limits.
var quotaCodes = map[int]bool{
	1101:    true,
	1102:    true,
	1103:    true,
	1302:    true,
	1303:    true,
	1304:    true,
	1600039: true,
}

// Kind tags the outcome of a submission.
type Kind int

const (
	Accepted Kind = iota
	Rejected
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

// Result is the normalized outcome of a submission response.
// TaskID is set only for Accepted; Err only for Rejected and Malformed.
type Result struct {
	Kind           Kind
	TaskID         string
	Err            string
	QuotaExhausted bool
}

// OK reports whether the submission was accepted.
func (r Result) OK() bool {
	return r.Kind == Accepted
}

// Classify normalizes a submission response from the named provider.
func Classify(provider string, resp *Response) Result {
	if resp == nil {
		return Result{Kind: Rejected, Err: unknownProviderError}
	}
	if resp.Code != 0 {
		msg := unknownProviderError
		if resp.Message != nil && *resp.Message != "" {
			msg = *resp.Message
		}
		return Result{Kind: Rejected, Err: msg, QuotaExhausted: quotaCodes[resp.Code]}
	}
	if resp.Data == nil || resp.Data.TaskID == "" {
		return Result{Kind: Malformed, Err: fmt.Sprintf("%s succeeded but returned no task_id", provider)}
	}
	return Result{Kind: Accepted, TaskID: resp.Data.TaskID}
}

// IsQuotaError reports whether resp signals exhausted quota or a rate limit.
func IsQuotaError(resp *Response) bool {
	return Classify("", resp).QuotaExhausted
}

// IsAPIError reports whether resp is a provider-level rejection.
func IsAPIError(resp *Response) bool {
	return Classify("", resp).Kind == Rejected
}

// StateKind tags the progress of a task.
type StateKind int

const (
	Pending StateKind = iota
	Succeeded
	Failed
)

// State is the normalized progress of a queried task.
type State struct {
	Kind    StateKind
	URL     string
	Message string
}

// TaskState reads the task progress from a query response.
// Responses that are not accepted or carry no status count as pending.
func TaskState(resp *Response) State {
	if resp == nil || resp.Code != 0 || resp.Data == nil {
		return State{Kind: Pending}
	}
	d := resp.Data
	switch d.TaskStatus {
	case TaskSucceed:
		if d.TaskResult != nil {
			for _, v := range d.TaskResult.Videos {
				if v.URL != "" {
					return State{Kind: Succeeded, URL: v.URL}
				}
			}
		}
		return State{Kind: Failed, Message: "task succeeded without a video url"}
	case TaskFailed:
		msg := d.TaskStatusMsg
		if msg == "" {
			msg = "provider reported task failure"
		}
		return State{Kind: Failed, Message: msg}
	}
	return State{Kind: Pending}
}
