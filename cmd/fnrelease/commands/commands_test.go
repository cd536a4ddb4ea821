package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cloud.google.com/go/functions/apiv2/functionspb"
	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/openfroyo/fnrelease/pkg/config"
	"github.com/openfroyo/fnrelease/pkg/stores"
)

const wantManifest = `
project: demo
endpoints:
  - id: hello
    region: us-central1
    platform: gcfv2
    runtime: nodejs20
    entryPoint: hello
    httpsTrigger:
      invoker: [private]
`

const haveManifest = `
project: demo
endpoints:
  - id: stale
    region: us-central1
    platform: gcfv2
    runtime: nodejs20
    entryPoint: stale
    labels:
      deployment-tool: cli-fnrelease
    httpsTrigger: {}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// run executes the root command with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "now")
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func clearEnv(t *testing.T) {
	t.Setenv(config.EnvProject, "")
	t.Setenv(config.EnvProjectNumber, "")
	t.Setenv(config.EnvAccessToken, "")
}

func TestPlanCommand(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	want := writeFile(t, dir, "want.yaml", wantManifest)
	have := writeFile(t, dir, "have.yaml", haveManifest)

	out, err := run(t, "plan", "--want", want, "--have", have)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	expected := "Changeset default-us-central1-default:\n" +
		"  + create hello(us-central1)\n" +
		"  - delete stale(us-central1)\n"
	if out != expected {
		t.Errorf("Expected:\n%s\ngot:\n%s", expected, out)
	}
}

func TestPlanCommand_ConfiguredCodebase(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "fnrelease.yaml", "codebase: backend\n")
	want := writeFile(t, dir, "want.yaml", wantManifest)
	have := writeFile(t, dir, "have.yaml", haveManifest)

	out, err := run(t, "plan", "--config", cfgPath, "--want", want, "--have", have)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	// Deployed endpoints without a codebase join the configured one
	expected := "Changeset backend-us-central1-default:\n" +
		"  + create hello(us-central1)\n" +
		"  - delete stale(us-central1)\n"
	if out != expected {
		t.Errorf("Expected:\n%s\ngot:\n%s", expected, out)
	}
}

func TestPlanCommand_NoChanges(t *testing.T) {
	clearEnv(t)
	want := writeFile(t, t.TempDir(), "want.yaml", "endpoints: []\n")

	out, err := run(t, "plan", "--want", want)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if strings.TrimSpace(out) != "No changes." {
		t.Errorf("Expected 'No changes.', got %q", out)
	}
}

func TestPlanCommand_JSON(t *testing.T) {
	clearEnv(t)
	want := writeFile(t, t.TempDir(), "want.yaml", wantManifest)

	out, err := run(t, "plan", "--json", "--want", want)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	var plan map[string]struct {
		Create []struct {
			ID string `json:"id"`
		} `json:"create"`
	}
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("Expected JSON output, got %v:\n%s", err, out)
	}
	cs, ok := plan["default-us-central1-default"]
	if !ok || len(cs.Create) != 1 || cs.Create[0].ID != "hello" {
		t.Errorf("Unexpected plan: %+v", plan)
	}
}

func TestPlanCommand_RequiresWant(t *testing.T) {
	clearEnv(t)
	if _, err := run(t, "plan"); err == nil {
		t.Fatal("Expected an error without --want")
	}
}

func TestApplyCommand_RequiresDeployTarget(t *testing.T) {
	clearEnv(t)
	want := writeFile(t, t.TempDir(), "want.yaml", wantManifest)

	_, err := run(t, "apply", "--want", want)
	if err == nil || !strings.Contains(err.Error(), config.EnvAccessToken) {
		t.Fatalf("Expected a missing token error, got %v", err)
	}
}

// fakeFunctions serves a v2 create that is done when it returns.
type fakeFunctions struct {
	functionspb.UnimplementedFunctionServiceServer
	t *testing.T
}

func (f *fakeFunctions) CreateFunction(ctx context.Context, req *functionspb.CreateFunctionRequest) (*longrunningpb.Operation, error) {
	if req.GetParent() != "projects/demo/locations/us-central1" || req.GetFunctionId() != "hello" {
		f.t.Errorf("unexpected create request %v", req)
		return nil, status.Error(codes.InvalidArgument, "unexpected request")
	}
	resp, err := anypb.New(&functionspb.Function{
		Name: req.GetParent() + "/functions/hello",
		ServiceConfig: &functionspb.ServiceConfig{
			Service: req.GetParent() + "/services/hello",
			Uri:     "https://hello.example",
		},
	})
	if err != nil {
		return nil, err
	}
	return &longrunningpb.Operation{
		Name:   "operations/create-hello",
		Done:   true,
		Result: &longrunningpb.Operation_Response{Response: resp},
	}, nil
}

// fakeFunctionsAPI starts a plaintext gRPC server and returns its address.
func fakeFunctionsAPI(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	srv := grpc.NewServer()
	functionspb.RegisterFunctionServiceServer(srv, &fakeFunctions{t: t})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestApplyCommand_RecordsHistory(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.EnvAccessToken, "token")

	addr := fakeFunctionsAPI(t)
	dir := t.TempDir()
	historyPath := filepath.Join(dir, "history.db")
	cfgPath := writeFile(t, dir, "fnrelease.yaml", `
project: demo
projectNumber: "123"
sources:
  default:
    storage:
      bucket: sources
      object: default.zip
endpoints:
  functions: `+addr+`
  run: `+addr+`
  scheduler: `+addr+`
  pubsub: `+addr+`
  eventarc: `+addr+`
  cloudtasks: `+addr+`
  identity: http://`+addr+`
  insecure: true
`)
	want := writeFile(t, dir, "want.yaml", wantManifest)

	out, err := run(t, "apply", "--config", cfgPath, "--want", want, "--history", historyPath)
	if err != nil {
		t.Fatalf("apply failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Deployed 1 function(s), 0 failed") {
		t.Errorf("Expected a deploy summary, got:\n%s", out)
	}

	ctx := context.Background()
	store, err := openHistory(ctx, historyPath)
	if err != nil {
		t.Fatalf("failed to open history: %v", err)
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "succeeded" || runs[0].Successes != 1 {
		t.Fatalf("Expected one succeeded run, got %+v", runs)
	}

	results, err := store.ListResults(ctx, runs[0].ID)
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(results) != 1 || results[0].Label != "hello(us-central1)" {
		t.Errorf("Expected the hello result, got %+v", results)
	}

	events, err := store.ListEvents(ctx, runs[0].ID, 100, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if !hasEventType(events, "function_deploy") {
		t.Errorf("Expected tracked function_deploy events in the history, got %d events", len(events))
	}

	// The history command reads the same database
	out, err = run(t, "history", "--config", cfgPath, "--history", historyPath)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out, runs[0].ID) || !strings.Contains(out, "succeeded") {
		t.Errorf("Expected the run in the listing, got:\n%s", out)
	}

	out, err = run(t, "history", "--config", cfgPath, "--history", historyPath, "--run", runs[0].ID)
	if err != nil {
		t.Fatalf("history --run failed: %v", err)
	}
	if !strings.Contains(out, "hello(us-central1)") || !strings.Contains(out, "https") {
		t.Errorf("Expected the result row, got:\n%s", out)
	}
}

func hasEventType(events []*stores.Event, eventType string) bool {
	for _, e := range events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

func TestHistoryCommand_Empty(t *testing.T) {
	clearEnv(t)
	out, err := run(t, "history", "--history", filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if strings.TrimSpace(out) != "No runs recorded." {
		t.Errorf("Expected an empty listing, got %q", out)
	}
}
