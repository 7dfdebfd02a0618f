package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/docker/pkg/reexec"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/suriyasureshok/Pyrexis"
	"github.com/suriyasureshok/Pyrexis/pipeline"
)

// processEntrypoint names the re-exec entrypoint for isolated workers.
const processEntrypoint = "pyrexis-process-worker"

func init() {
	reexec.Register(processEntrypoint, processWorkerMain)
}

// InitProcessWorker must be called at the top of main (or TestMain) by
// any program using the process backend. It returns true when the current
// invocation is a re-exec'd pipeline worker, in which case the caller
// must exit immediately. Pipelines the worker should resolve must already
// be registered in pipeline.Default() at that point, which is why process
// mode requires init-time registration.
func InitProcessWorker() bool {
	return reexec.Init()
}

// processWorkerMain is the worker process: a loop reading task envelopes
// off stdin and writing result envelopes to stdout, one at a time, until
// stdin closes.
func processWorkerMain() {
	in := bufio.NewReader(os.Stdin)
	out := os.Stdout

	for {
		body, err := readFrame(in)
		if err != nil {
			// EOF means the parent closed our pipe; exit quietly.
			return
		}

		var resp resultEnvelope
		var env taskEnvelope
		if err := msgpack.Unmarshal(body, &env); err != nil {
			resp = resultEnvelope{Error: fmt.Sprintf("decode envelope: %v", err), Fatal: true}
		} else {
			resp = runEnvelope(&env)
		}

		respBody, err := msgpack.Marshal(&resp)
		if err != nil {
			// The pipeline output could not cross the boundary.
			resp = resultEnvelope{
				TaskID: env.TaskID,
				Error:  fmt.Sprintf("encode result: %v", err),
				Fatal:  true,
			}
			respBody, _ = msgpack.Marshal(&resp)
		}
		if err := writeFrame(out, respBody); err != nil {
			return
		}
	}
}

// runEnvelope resolves and runs one pipeline inside the worker process.
func runEnvelope(env *taskEnvelope) resultEnvelope {
	resp := resultEnvelope{TaskID: env.TaskID}

	factory, ok := pipeline.Default().Get(env.Pipeline)
	if !ok {
		resp.Error = fmt.Sprintf("unknown pipeline type: %q", env.Pipeline)
		resp.Fatal = true
		return resp
	}

	ctx := context.Background()
	if env.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(env.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	output, err := factory().Run(ctx, any(env.Payload))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			resp.Error = "timeout"
			return resp
		}
		resp.Error = err.Error()
		resp.Fatal = pyrexis.KindOf(err) == pyrexis.FaultFatal
		return resp
	}

	resp.Output = output
	return resp
}
