// Command sandboxctl is a CLI for operating the sandbox control plane (spec
// §6.2), grounded on the teacher's cmd/agentctl: a cobra root command with
// one subcommand group per resource, a lazily-built API client shared
// across commands, and tabwriter-formatted list output.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wegent/sandbox-control-plane/internal/client"
)

var (
	serverURL string
	apiClient *client.Client
)

func getClient() *client.Client {
	if apiClient == nil {
		apiClient = client.New(serverURL)
	}
	return apiClient
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "sandboxctl",
		Short: "CLI for the sandbox control plane",
		Long:  "Command line interface for creating, inspecting, and tearing down agent-execution sandboxes",
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Sandbox control plane server URL")

	rootCmd.AddCommand(
		newSandboxCmd(),
		newExecutionCmd(),
		newTaskCmd(),
		newStatusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newSandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Manage sandboxes",
	}

	var (
		shellType    string
		userID       string
		userName     string
		timeoutSecs  int
		workspaceRef string
	)

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new sandbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			return createSandbox(shellType, userID, userName, timeoutSecs, workspaceRef)
		},
	}
	createCmd.Flags().StringVar(&shellType, "shell-type", "", "Agent engine (claudecode, agno, dify, imagevalidator)")
	createCmd.Flags().StringVar(&userID, "user-id", "", "User id")
	createCmd.Flags().StringVar(&userName, "user-name", "", "User name")
	createCmd.Flags().IntVar(&timeoutSecs, "timeout", 0, "Idle timeout in seconds (0 for the server default)")
	createCmd.Flags().StringVar(&workspaceRef, "workspace-ref", "", "Workspace reference to mount")
	createCmd.MarkFlagRequired("shell-type")

	cmd.AddCommand(
		createCmd,
		&cobra.Command{
			Use:   "get [sandbox-id]",
			Short: "Get a sandbox",
			Args:  cobra.ExactArgs(1),
			RunE:  getSandbox,
		},
		&cobra.Command{
			Use:   "terminate [sandbox-id]",
			Short: "Terminate a sandbox",
			Args:  cobra.ExactArgs(1),
			RunE:  terminateSandbox,
		},
		&cobra.Command{
			Use:   "pause [sandbox-id]",
			Short: "Pause a sandbox's container",
			Args:  cobra.ExactArgs(1),
			RunE:  pauseSandbox,
		},
		&cobra.Command{
			Use:   "resume [sandbox-id]",
			Short: "Resume a paused sandbox",
			Args:  cobra.ExactArgs(1),
			RunE:  resumeSandbox,
		},
	)

	var additionalSecs int
	keepAliveCmd := &cobra.Command{
		Use:   "keep-alive [sandbox-id]",
		Short: "Extend a sandbox's idle-timeout deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return keepAliveSandbox(args[0], additionalSecs)
		},
	}
	keepAliveCmd.Flags().IntVar(&additionalSecs, "additional", 0, "Additional seconds to extend by")
	cmd.AddCommand(keepAliveCmd)

	return cmd
}

func newExecutionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execution",
		Short: "Manage executions within a sandbox",
	}

	var (
		prompt      string
		timeoutSecs int
	)

	createCmd := &cobra.Command{
		Use:   "create [sandbox-id]",
		Short: "Start a new execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return createExecution(args[0], prompt, timeoutSecs)
		},
	}
	createCmd.Flags().StringVar(&prompt, "prompt", "", "Prompt to execute")
	createCmd.Flags().IntVar(&timeoutSecs, "timeout", 0, "Execution timeout in seconds (0 for the server default)")
	createCmd.MarkFlagRequired("prompt")

	cmd.AddCommand(
		createCmd,
		&cobra.Command{
			Use:   "get [sandbox-id] [subtask-id]",
			Short: "Get an execution",
			Args:  cobra.ExactArgs(2),
			RunE:  getExecution,
		},
		&cobra.Command{
			Use:   "list [sandbox-id]",
			Short: "List executions in a sandbox",
			Args:  cobra.ExactArgs(1),
			RunE:  listExecutions,
		},
	)

	return cmd
}

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage in-flight tasks",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "heartbeat [task-id]",
			Short: "Send a task heartbeat",
			Args:  cobra.ExactArgs(1),
			RunE:  sendHeartbeat,
		},
		&cobra.Command{
			Use:   "cancel [task-id]",
			Short: "Cancel a running task",
			Args:  cobra.ExactArgs(1),
			RunE:  cancelTask,
		},
	)

	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show control plane health",
		RunE:  systemStatus,
	}
}

func createSandbox(shellType, userID, userName string, timeoutSecs int, workspaceRef string) error {
	sb, err := getClient().CreateSandbox(client.CreateSandboxRequest{
		ShellType:    shellType,
		UserID:       userID,
		UserName:     userName,
		TimeoutSecs:  timeoutSecs,
		WorkspaceRef: workspaceRef,
	})
	if err != nil {
		return fmt.Errorf("failed to create sandbox: %v", err)
	}

	fmt.Printf("Sandbox created successfully!\n")
	fmt.Printf("Sandbox ID: %s\n", sb.SandboxID)
	fmt.Printf("Shell Type: %s\n", sb.ShellType)
	fmt.Printf("Status: %s\n", sb.Status)
	return nil
}

func getSandbox(cmd *cobra.Command, args []string) error {
	sb, err := getClient().GetSandbox(args[0])
	if err != nil {
		return fmt.Errorf("failed to get sandbox: %v", err)
	}

	fmt.Printf("Sandbox ID: %s\n", sb.SandboxID)
	fmt.Printf("Shell Type: %s\n", sb.ShellType)
	fmt.Printf("Status: %s\n", sb.Status)
	fmt.Printf("User: %s (%s)\n", sb.UserName, sb.UserID)
	if sb.BaseURL != "" {
		fmt.Printf("Base URL: %s\n", sb.BaseURL)
	}
	fmt.Printf("Created: %s\n", time.Unix(sb.CreatedAt, 0).Format(time.RFC3339))
	if sb.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", sb.ErrorMessage)
	}
	return nil
}

func terminateSandbox(cmd *cobra.Command, args []string) error {
	if err := getClient().TerminateSandbox(args[0]); err != nil {
		return fmt.Errorf("failed to terminate sandbox: %v", err)
	}
	fmt.Printf("Sandbox %s terminated\n", args[0])
	return nil
}

func pauseSandbox(cmd *cobra.Command, args []string) error {
	if err := getClient().PauseSandbox(args[0]); err != nil {
		return fmt.Errorf("failed to pause sandbox: %v", err)
	}
	fmt.Printf("Sandbox %s paused\n", args[0])
	return nil
}

func resumeSandbox(cmd *cobra.Command, args []string) error {
	if err := getClient().ResumeSandbox(args[0]); err != nil {
		return fmt.Errorf("failed to resume sandbox: %v", err)
	}
	fmt.Printf("Sandbox %s resumed\n", args[0])
	return nil
}

func keepAliveSandbox(sandboxID string, additionalSecs int) error {
	sb, err := getClient().KeepAliveSandbox(sandboxID, additionalSecs)
	if err != nil {
		return fmt.Errorf("failed to extend sandbox timeout: %v", err)
	}
	fmt.Printf("Sandbox %s expires at %s\n", sb.SandboxID, time.Unix(sb.ExpiresAt, 0).Format(time.RFC3339))
	return nil
}

func createExecution(sandboxID, prompt string, timeoutSecs int) error {
	ex, err := getClient().CreateExecution(sandboxID, client.CreateExecutionRequest{
		Prompt:      prompt,
		TimeoutSecs: timeoutSecs,
	})
	if err != nil {
		return fmt.Errorf("failed to create execution: %v", err)
	}

	fmt.Printf("Execution started successfully!\n")
	fmt.Printf("Execution ID: %s\n", ex.ExecutionID)
	fmt.Printf("Status: %s\n", ex.Status)
	return nil
}

func getExecution(cmd *cobra.Command, args []string) error {
	ex, err := getClient().GetExecution(args[0], args[1])
	if err != nil {
		return fmt.Errorf("failed to get execution: %v", err)
	}

	fmt.Printf("Execution ID: %s\n", ex.ExecutionID)
	fmt.Printf("Status: %s\n", ex.Status)
	fmt.Printf("Progress: %d%%\n", ex.Progress)
	if ex.Result != "" {
		fmt.Printf("Result: %s\n", ex.Result)
	}
	if ex.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", ex.ErrorMessage)
	}
	return nil
}

func listExecutions(cmd *cobra.Command, args []string) error {
	execs, err := getClient().ListExecutions(args[0])
	if err != nil {
		return fmt.Errorf("failed to list executions: %v", err)
	}

	if len(execs) == 0 {
		fmt.Println("No executions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTION ID\tSTATUS\tPROGRESS")
	for _, ex := range execs {
		fmt.Fprintf(w, "%s\t%s\t%d%%\n", ex.ExecutionID, ex.Status, ex.Progress)
	}
	w.Flush()
	return nil
}

func sendHeartbeat(cmd *cobra.Command, args []string) error {
	if err := getClient().SendHeartbeat(args[0]); err != nil {
		return fmt.Errorf("failed to send heartbeat: %v", err)
	}
	fmt.Printf("Heartbeat sent for task %s\n", args[0])
	return nil
}

func cancelTask(cmd *cobra.Command, args []string) error {
	if err := getClient().CancelTask(args[0]); err != nil {
		return fmt.Errorf("failed to cancel task: %v", err)
	}
	fmt.Printf("Cancellation requested for task %s\n", args[0])
	return nil
}

func systemStatus(cmd *cobra.Command, args []string) error {
	status, err := getClient().GetSystemStatus()
	if err != nil {
		return fmt.Errorf("failed to get system status: %v", err)
	}

	out, _ := json.MarshalIndent(status, "", "  ")
	fmt.Printf("Sandbox Control Plane Status\n")
	fmt.Printf("============================\n")
	fmt.Println(string(out))
	fmt.Printf("Server: %s\n", serverURL)
	return nil
}
