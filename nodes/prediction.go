package nodes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/durable"
	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/deepnoodle-ai/nodeflow/marshal"
	"github.com/deepnoodle-ai/nodeflow/objectstore"
	"github.com/deepnoodle-ai/nodeflow/retry"
	"github.com/google/uuid"
)

// PredictionTokenName is the environment name of the prediction API token.
const PredictionTokenName = "PREDICTION_API_TOKEN"

const (
	DefaultPredictionURL = "https://api.replicate.com/v1"

	maxDownloadBytes = 64 << 20
)

// PredictionOptions configures the prediction node.
type PredictionOptions struct {
	HTTPClient *http.Client
	BaseURL    string
	Poll       durable.PollOptions
	Retry      []retry.Option
}

// Prediction is the job resource returned by the prediction API.
type Prediction struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Terminal reports whether the job has stopped.
func (p Prediction) Terminal() bool {
	switch p.Status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// OutputURL returns the first output URL of a finished job.
func (p Prediction) OutputURL() string {
	switch out := p.Output.(type) {
	case string:
		return out
	case []any:
		for _, item := range out {
			if s, ok := item.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

type predictionNode struct {
	opts PredictionOptions
}

// NewPrediction returns the prediction node. It submits a generative model
// job, polls it until it finishes and stores the produced image in the
// object store. Every external call is a durable step so a resumed run does
// not submit twice, and the submit carries an idempotency key derived from
// the invocation so that an unrecorded submit is deduplicated upstream.
func NewPrediction(opts PredictionOptions) nodeflow.Node {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultPredictionURL
	}
	return &predictionNode{opts: opts}
}

func (n *predictionNode) Descriptor() nodeflow.Descriptor {
	return nodeflow.Descriptor{
		Type:        "prediction",
		Description: "Generates an image with a hosted model.",
		LongRunning: true,
		Inputs: []nodeflow.InputSpec{
			{Name: "model", Type: marshal.TypeString, Description: "Model version identifier"},
			{Name: "prompt", Type: marshal.TypeString},
			{Name: "parameters", Type: marshal.TypeObject, Optional: true, Description: "Additional model input"},
		},
		Outputs: []nodeflow.OutputSpec{
			{Name: "image", Type: marshal.TypeImage},
			{Name: "prediction_id", Type: marshal.TypeString},
		},
	}
}

func (n *predictionNode) Execute(ctx nodeflow.Context) (map[string]any, error) {
	token, err := nodeflow.RequireSecret(ctx.Env(), PredictionTokenName)
	if err != nil {
		return nil, err
	}
	steps := ctx.Steps()
	if steps == nil {
		return nil, durable.Configuration(fmt.Errorf("prediction requires a durable step runner"))
	}
	store := ctx.Store()
	if store == nil {
		return nil, durable.Configuration(fmt.Errorf("prediction requires an object store"))
	}
	model, err := nodeflow.InputString(ctx, "model")
	if err != nil {
		return nil, err
	}
	prompt, err := nodeflow.InputString(ctx, "prompt")
	if err != nil {
		return nil, err
	}
	input := map[string]any{}
	if params, ok := ctx.Input("parameters"); ok {
		if m, ok := params.(map[string]any); ok {
			for k, v := range m {
				input[k] = v
			}
		}
	}
	input["prompt"] = prompt
	client := &predictionClient{http: n.opts.HTTPClient, baseURL: strings.TrimSuffix(n.opts.BaseURL, "/"), token: token}
	logger := ctx.Logger()

	// The submit step replays from its record. A submit that went through but
	// whose record was lost still has its id recorded, and is not sent again.
	idempotencyKey := uuid.NewSHA1(uuid.NameSpaceURL, []byte(steps.InvocationID()+"/submit")).String()
	var submitted Prediction
	err = steps.DoWithRetry(ctx, "submit", func(ctx context.Context) (any, error) {
		known, err := steps.ExternalID(ctx, "prediction")
		if err != nil {
			return nil, err
		}
		if known != "" {
			return Prediction{ID: known, Status: "starting"}, nil
		}
		p, err := client.create(ctx, model, input, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if err := steps.SetExternalID(ctx, "prediction", p.ID); err != nil {
			return nil, err
		}
		logger.Info("submitted prediction", "prediction_id", p.ID)
		return p, nil
	}, &submitted, n.opts.Retry...)
	if err != nil {
		return nil, err
	}
	id := submitted.ID

	final, err := durable.Poll(ctx, steps, n.opts.Poll, func(ctx context.Context) (Prediction, bool, error) {
		var p Prediction
		err := retry.Do(ctx, func() error {
			var err error
			p, err = client.get(ctx, id)
			return err
		}, n.opts.Retry...)
		if err != nil {
			return Prediction{}, false, err
		}
		return p, p.Terminal(), nil
	})
	if err != nil {
		return nil, err
	}
	if final.Status != "succeeded" {
		reason := final.Error
		if reason == "" {
			reason = "no reason given"
		}
		return nil, fmt.Errorf("prediction %s %s: %s", id, final.Status, reason)
	}
	url := final.OutputURL()
	if url == "" {
		return nil, fmt.Errorf("prediction %s produced no output", id)
	}

	var ref objectstore.Reference
	err = steps.DoWithRetry(ctx, "download", func(ctx context.Context) (any, error) {
		data, mimeType, err := client.download(ctx, url)
		if err != nil {
			return nil, err
		}
		return store.Put(ctx, data, mimeType)
	}, &ref, n.opts.Retry...)
	if err != nil {
		return nil, err
	}
	data, err := store.Get(ctx, ref)
	if err != nil {
		return nil, nodeflow.SystemError(fmt.Errorf("failed to load prediction output: %w", err))
	}
	return map[string]any{
		"image":         marshal.Binary{Data: data, MimeType: ref.MimeType},
		"prediction_id": id,
	}, nil
}

type predictionClient struct {
	http    *http.Client
	baseURL string
	token   string
}

func (c *predictionClient) create(ctx context.Context, model string, input map[string]any, idempotencyKey string) (Prediction, error) {
	body, err := xjson.Marshal(map[string]any{"version": model, "input": input})
	if err != nil {
		return Prediction{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predictions", bytes.NewReader(body))
	if err != nil {
		return Prediction{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	var p Prediction
	if err := c.do(req, &p); err != nil {
		return Prediction{}, fmt.Errorf("failed to submit prediction: %w", err)
	}
	if p.ID == "" {
		return Prediction{}, fmt.Errorf("prediction api returned no id")
	}
	return p, nil
}

func (c *predictionClient) get(ctx context.Context, id string) (Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/predictions/"+id, nil)
	if err != nil {
		return Prediction{}, err
	}
	var p Prediction
	if err := c.do(req, &p); err != nil {
		return Prediction{}, fmt.Errorf("failed to get prediction %s: %w", id, err)
	}
	return p, nil
}

func (c *predictionClient) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return retry.NewRecoverableError(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return retry.NewRecoverableError(err)
	}
	if err := statusError(resp.StatusCode, data); err != nil {
		return err
	}
	return xjson.Unmarshal(data, out)
}

func (c *predictionClient) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", retry.NewRecoverableError(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, "", retry.NewRecoverableError(err)
	}
	if err := statusError(resp.StatusCode, nil); err != nil {
		return nil, "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	mimeType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// statusError classifies a response status. Throttling and server errors
// are worth retrying; other failures are not.
func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("unexpected status %d", code)
	if detail := strings.TrimSpace(string(body)); detail != "" {
		err = fmt.Errorf("unexpected status %d: %s", code, detail)
	}
	if code == http.StatusTooManyRequests || code >= 500 {
		return retry.NewRecoverableError(err)
	}
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return nodeflow.SystemError(fmt.Errorf("%w: %w", nodeflow.ErrMissingCredential, err))
	}
	return retry.NewNonRecoverableError(err)
}
