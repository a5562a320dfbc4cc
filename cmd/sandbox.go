package cmd

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/wardenworks/warden/internal/backend"
	"github.com/wardenworks/warden/internal/sidecar"
	"github.com/wardenworks/warden/internal/store"
)

var (
	upImage     string
	upSSHKey    string
	upTeeType   int
	upTee       bool
	upMemoryMB  int
	upCPUs      float64
	execWorkDir string
)

var upCmd = &cobra.Command{
	Use:   "up <instance-id>",
	Short: "Provision a sandbox for an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient()
		if err != nil {
			return err
		}

		params := backend.CreateSandboxParams{
			InstanceID:  args[0],
			Image:       upImage,
			SSHEnabled:  upSSHKey != "",
			TeeRequired: upTee,
			TeeType:     backend.TeeType(upTeeType),
			MemoryMB:    upMemoryMB,
			CPUs:        upCPUs,
		}
		if upSSHKey != "" {
			key, err := os.ReadFile(upSSHKey)
			if err != nil {
				return fmt.Errorf("read ssh key: %w", err)
			}
			params.SSHPublicKey = string(key)
		}

		var out struct {
			Sandbox *store.SandboxRecord `json:"sandbox"`
			Warning string               `json:"warning,omitempty"`
		}
		if err := client.call(cmd.Context(), http.MethodPost, "/v1/sandboxes", params, &out); err != nil {
			return err
		}
		fmt.Printf("sandbox %s running (instance %s)\n", out.Sandbox.ID, out.Sandbox.InstanceID)
		if out.Sandbox.SSHPort > 0 {
			fmt.Printf("ssh port: %d\n", out.Sandbox.SSHPort)
		}
		if out.Warning != "" {
			fmt.Fprintln(os.Stderr, "warning:", out.Warning)
		}
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down <instance-id>",
	Short: "Deprovision an instance's sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient()
		if err != nil {
			return err
		}
		rec, err := client.sandboxForInstance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), http.MethodDelete, "/v1/sandboxes/"+rec.ID, nil, nil); err != nil {
			return err
		}
		fmt.Printf("sandbox %s deleted\n", rec.ID)
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tracked sandboxes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient()
		if err != nil {
			return err
		}
		var out struct {
			Sandboxes []*store.SandboxRecord `json:"sandboxes"`
		}
		if err := client.call(cmd.Context(), http.MethodGet, "/v1/sandboxes", nil, &out); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tINSTANCE\tBACKEND\tSTATUS\tAGE\tLAST ACTIVE")
		now := time.Now()
		for _, rec := range out.Sandboxes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.ID, rec.InstanceID, rec.BackendKind, rec.Status,
				now.Sub(rec.CreatedAt).Round(time.Second),
				now.Sub(rec.LastActiveAt).Round(time.Second))
		}
		return w.Flush()
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <instance-id> <command>",
	Short: "Run a command inside an instance's sandbox",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAdminClient()
		if err != nil {
			return err
		}
		rec, err := client.sandboxForInstance(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		command, err := shellwords.Parse(args[1])
		if err != nil {
			return fmt.Errorf("parse command: %w", err)
		}
		if len(command) == 0 {
			return fmt.Errorf("empty command")
		}

		var result sidecar.ExecResult
		req := sidecar.ExecRequest{Command: command, WorkDir: execWorkDir}
		if err := client.call(cmd.Context(), http.MethodPost, "/v1/sandboxes/"+rec.ID+"/exec", req, &result); err != nil {
			return err
		}

		fmt.Print(result.Stdout)
		if result.Stderr != "" {
			fmt.Fprint(os.Stderr, result.Stderr)
		}
		if result.ExitCode != 0 {
			os.Exit(result.ExitCode)
		}
		return nil
	},
}

func init() {
	upCmd.Flags().StringVar(&upImage, "image", "warden/sandbox:latest", "container image")
	upCmd.Flags().StringVar(&upSSHKey, "ssh-key", "", "path to ssh public key to install")
	upCmd.Flags().BoolVar(&upTee, "tee", false, "require a trusted execution environment")
	upCmd.Flags().IntVar(&upTeeType, "tee-type", 0, "tee flavor (0=none, 1=sgx, 2=nitro, 3=sev)")
	upCmd.Flags().IntVar(&upMemoryMB, "memory", 0, "memory limit in MB (0 = server default)")
	upCmd.Flags().Float64Var(&upCPUs, "cpus", 0, "cpu limit (0 = server default)")
	execCmd.Flags().StringVarP(&execWorkDir, "workdir", "w", "", "working directory inside the sandbox")

	rootCmd.AddCommand(upCmd, downCmd, lsCmd, execCmd)
}
