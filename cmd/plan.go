package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voxpipe/voxpipe/pkg/pipeline"
	"github.com/voxpipe/voxpipe/pkg/pipelinedef"
	"github.com/voxpipe/voxpipe/pkg/request"
)

// NewPlanCommand returns the command printing what every node of a
// pipeline provides and what the output's filter chain asks upstream for.
func NewPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <definition>",
		Short: "Print the declared specs and requests of a pipeline",
		Long: `Print the declared specs and requests of a pipeline.

Every node is listed upstream first with the specs it advertises. The request of the
definition is then followed from the output node through its chain of filters, printing
what each filter asks its upstream for.`,
		RunE: plan,
		Args: cobra.ExactArgs(1),
	}
}

func plan(cmd *cobra.Command, args []string) error {
	def, err := pipelinedef.Load(args[0])
	if err != nil {
		return err
	}
	built, err := def.Build(cmd.Context())
	if err != nil {
		return err
	}
	defer built.Close()

	out := cmd.OutOrStdout()
	infos := map[string]pipeline.NodeInfo{}
	for _, n := range built.Pipeline.Nodes() {
		infos[n.Name] = n
		writeNode(out, n)
	}

	req, err := built.NewRequest()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nrequest to %q:\n%s", def.Output, req)

	for name := def.Output; ; {
		n := infos[name]
		if n.Role != "filter" {
			return nil
		}
		deps, err := built.Pipeline.Prepare(cmd.Context(), name, req)
		if err != nil {
			return fmt.Errorf("preparing %q: %w", name, err)
		}

		upstream := infos[n.Upstreams[0]]
		next := req.Restrict(upstream.Spec.Keys()...)
		if deps == nil {
			fmt.Fprintf(out, "%s forwards the request to %s\n", name, upstream.Name)
		} else {
			fmt.Fprintf(out, "%s asks %s for:\n%s", name, upstream.Name, deps.Spec())
			next = withDependencies(next, deps)
		}
		req, name = next, upstream.Name
	}
}

func writeNode(out io.Writer, n pipeline.NodeInfo) {
	fmt.Fprintf(out, "%s %q", n.Role, n.Name)
	if len(n.Upstreams) > 0 {
		fmt.Fprintf(out, " <- %s", strings.Join(n.Upstreams, ", "))
	}
	if n.Autoskip {
		fmt.Fprint(out, " (autoskip)")
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, n.Spec)
}

// withDependencies installs the entries of deps into req, replacing what was
// requested for the same keys.
func withDependencies(req, deps *request.BatchRequest) *request.BatchRequest {
	for _, key := range deps.Keys() {
		s, _ := deps.Get(key)
		// both requests hold valid specs, Set can not fail
		_ = req.Set(key, s)
	}
	return req
}
