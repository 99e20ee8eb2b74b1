package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
)

func newSendCommand(opts *options) *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "send [line...]",
		Short: "Post one log line to the relay over HTTP",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return postLine(ctx, http.DefaultClient, opts.httpURL, opts.deployID, stage, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "build", "stage label")
	return cmd
}

func postLine(ctx context.Context, client *http.Client, baseURL string, deployID int64, stage, line string) error {
	body, err := json.Marshal(map[string]string{"stage": stage, "log": line})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/api/deploy/log/%d", strings.TrimRight(baseURL, "/"), deployID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post log line: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
		return fmt.Errorf("post log line: status=%d body=%s", resp.StatusCode, msg)
	}
	return nil
}

func newWatchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print a deploy's live log until the relay closes the stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.Context(), opts.httpURL, opts.deployID, cmd.OutOrStdout())
		},
	}
}

func watch(ctx context.Context, baseURL string, deployID int64, out io.Writer) error {
	endpoint := fmt.Sprintf("%s/api/ws/deploy/%d", strings.TrimRight(baseURL, "/"), deployID)
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		fmt.Fprintln(out, string(data))
	}
}
