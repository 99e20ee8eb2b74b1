package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"deploy-relay/control-plane/proto/ingestpb"
	"deploy-relay/runner/internal/workflow"
)

const runnerStage = "runner"

type eventSender interface {
	Send(ev ingestpb.LogEvent) error
}

func newRunCommand(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a pipeline file, streaming each stage's output",
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflow.ParseFile(file)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			conn, err := grpc.NewClient(opts.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("failed to connect to control plane: %w", err)
			}
			defer conn.Close()

			stream, err := ingestpb.NewLogIngestClient(conn).ReportLog(ctx)
			if err != nil {
				return fmt.Errorf("failed to open log stream: %w", err)
			}

			log.Printf("Running %q (%d stages) for deploy %d", wf.Name, len(wf.Stages), opts.deployID)
			runErr := runStages(ctx, stream, opts.deployID, wf.Stages)
			if err := stream.CloseAndRecv(); err != nil {
				return errors.Join(runErr, fmt.Errorf("log stream: %w", err))
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", ".deploy/pipeline.yml", "pipeline file")
	return cmd
}

// runStages runs stages in order and stops at the first failure.
func runStages(ctx context.Context, out eventSender, deployID int64, stages []workflow.Stage) error {
	for _, st := range stages {
		log.Printf("Stage %s", st.Name)
		exitErr, sendErr := runStage(ctx, out, deployID, st)
		if sendErr != nil {
			return fmt.Errorf("stage %s: send log: %w", st.Name, sendErr)
		}
		if exitErr != nil {
			msg := fmt.Sprintf("stage %s failed: %v", st.Name, exitErr)
			_ = out.Send(ingestpb.LogEvent{DeployID: deployID, Stage: runnerStage, Log: msg})
			return errors.New(msg)
		}
		if err := out.Send(ingestpb.LogEvent{DeployID: deployID, Stage: runnerStage, Log: "stage " + st.Name + " succeeded"}); err != nil {
			return fmt.Errorf("stage %s: send log: %w", st.Name, err)
		}
	}
	return nil
}

// runStage executes one stage through sh, sending stdout and stderr line by
// line. It returns the command's error and the first send error separately.
func runStage(ctx context.Context, out eventSender, deployID int64, st workflow.Stage) (error, error) {
	pr, pw := io.Pipe()
	cmd := exec.CommandContext(ctx, "sh", "-c", st.Run)
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return err, nil
	}

	waited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waited <- err
	}()

	var sendErr error
	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if sendErr != nil {
			continue
		}
		sendErr = out.Send(ingestpb.LogEvent{DeployID: deployID, Stage: st.Name, Log: sc.Text()})
	}
	// A line over the buffer limit stops the scanner; drain so the command
	// never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, pr)

	return <-waited, sendErr
}
