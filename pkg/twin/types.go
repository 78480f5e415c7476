package twin

import "encoding/json"

// OperationRef locates an invokable operation in the AAS repository.
// When DelegationURL is set the invocation goes through the operation
// service's asynchronous jobs API instead of the synchronous endpoint.
type OperationRef struct {
	Name          string
	SubmodelID    string
	Path          string
	DelegationURL string
}

// Result is the outcome of one invocation.
type Result struct {
	Success   bool           `json:"success"`
	Simulated bool           `json:"simulated"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// operationArgument is the AAS wire shape of one input or output argument.
type operationArgument struct {
	IDShort string `json:"idShort"`
	Value   any    `json:"value"`
}

type invokeRequest struct {
	InputArguments []operationArgument `json:"inputArguments"`
	ClientContext  struct {
		Simulate bool `json:"simulate"`
	} `json:"clientContext"`
}

type invokeResponse struct {
	Success         *bool               `json:"success,omitempty"`
	OutputArguments []operationArgument `json:"outputArguments,omitempty"`
	Message         string              `json:"message,omitempty"`
}

// Job states of the operation service.
const (
	jobStatusCompleted = "completed"
	jobStatusFailed    = "failed"
	jobStatusTimeout   = "timeout"
)

type jobRef struct {
	ID string `json:"id"`
}

type jobStatus struct {
	ID              string              `json:"id"`
	Status          string              `json:"status"`
	OutputArguments []operationArgument `json:"outputArguments,omitempty"`
	Message         string              `json:"message,omitempty"`
}

func (r invokeResponse) toResult(simulated bool) *Result {
	res := &Result{
		Success:   r.Success == nil || *r.Success,
		Simulated: simulated,
		Message:   r.Message,
	}
	if len(r.OutputArguments) > 0 {
		res.Outputs = make(map[string]any, len(r.OutputArguments))
		for _, a := range r.OutputArguments {
			res.Outputs[a.IDShort] = a.Value
		}
	}
	return res
}

func (j jobStatus) toResult(simulated bool) *Result {
	res := &Result{
		Success:   j.Status == jobStatusCompleted,
		Simulated: simulated,
		Message:   j.Message,
	}
	if len(j.OutputArguments) > 0 {
		res.Outputs = make(map[string]any, len(j.OutputArguments))
		for _, a := range j.OutputArguments {
			res.Outputs[a.IDShort] = a.Value
		}
	}
	return res
}

// MarshalResult renders a Result for idempotency storage and audit digests.
func MarshalResult(r *Result) json.RawMessage {
	b, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
