// Package nodes provides the built-in node types. Most are thin wrappers
// around a library call; prediction is the long-running example that polls
// an external job through the durable step runner.
package nodes

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/script"
)

// Options configures the built-in nodes. Zero values select defaults.
type Options struct {
	// HTTPClient is used by http.request and prediction.
	HTTPClient *http.Client

	// Output receives the lines written by print. Defaults to os.Stdout.
	Output io.Writer

	// Compiler compiles script and text.template code.
	Compiler script.Compiler

	// Now is the clock for time.now.
	Now func() time.Time

	Prediction PredictionOptions
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if o.Output == nil {
		o.Output = os.Stdout
	}
	if o.Compiler == nil {
		o.Compiler = script.NewRisorEngine(script.DefaultGlobals())
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Prediction.HTTPClient == nil {
		o.Prediction.HTTPClient = o.HTTPClient
	}
	return o
}

// All returns every built-in node.
func All(opts Options) []nodeflow.Node {
	opts = opts.withDefaults()
	return []nodeflow.Node{
		NewAdd(),
		NewMultiply(),
		NewJSONParse(),
		NewJSONQuery(),
		NewJSONMerge(),
		NewFail(),
		NewPrint(opts.Output),
		NewTimeNow(opts.Now),
		NewHTTPRequest(opts.HTTPClient),
		NewTemplate(opts.Compiler),
		NewScript(opts.Compiler),
		NewWait(),
		NewPrediction(opts.Prediction),
	}
}

// Register adds every built-in node to reg.
func Register(reg *nodeflow.Registry, opts Options) error {
	for _, node := range All(opts) {
		if err := reg.Register(node); err != nil {
			return err
		}
	}
	return nil
}
