package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/musterhq/muster/pkg/queue"
	"github.com/musterhq/muster/pkg/types"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task to the queue",
	Long: `Submit a labeled task for a named engine. Each --input pairs a
declared input filename with a local file whose contents are stored
in the task's metadata and staged on the worker at placement time.`,
	Example: `  muster submit --label bench-1 --engine abinit --input in.dat=./in.dat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		_, store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		label, _ := cmd.Flags().GetString("label")
		engineName, _ := cmd.Flags().GetString("engine")
		inputs, _ := cmd.Flags().GetStringArray("input")

		metadata := make(map[string]string, len(inputs))
		for _, input := range inputs {
			name, path, ok := strings.Cut(input, "=")
			if !ok {
				return fmt.Errorf("invalid --input %q, expected name=path", input)
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read input %s: %v", path, err)
			}
			metadata[name] = string(content)
		}

		id, err := store.Submit(context.Background(), label, metadata, engineName)
		if err != nil {
			return err
		}
		fmt.Printf("Submitted task %d (%s)\n", id, label)
		return nil
	},
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks by status or by ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		_, store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		statusNames, _ := cmd.Flags().GetStringSlice("status")
		ids, _ := cmd.Flags().GetInt64Slice("ids")

		var sel queue.Selector
		sel.IDs = ids
		for _, name := range statusNames {
			status, err := parseStatus(name)
			if err != nil {
				return err
			}
			sel.Statuses = append(sel.Statuses, status)
		}

		tasks, err := store.ListTasks(context.Background(), sel)
		if err != nil {
			return err
		}

		fmt.Printf("%-8s %-24s %-16s %s\n", "ID", "LABEL", "NODE", "STATUS")
		for _, task := range tasks {
			ip := task.IP
			if ip == "" {
				ip = "-"
			}
			fmt.Printf("%-8d %-24s %-16s %s\n", task.ID, task.Label, ip, task.Status)
		}
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one task including its metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q", args[0])
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		_, store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		task, err := store.GetTask(context.Background(), id)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("task %d not found", id)
		}

		fmt.Printf("ID:     %d\n", task.ID)
		fmt.Printf("Label:  %s\n", task.Label)
		fmt.Printf("Status: %s\n", task.Status)
		if task.IP != "" {
			fmt.Printf("Node:   %s\n", task.IP)
		}
		fmt.Println("Metadata:")
		for key, value := range task.Metadata {
			if len(value) > 64 {
				value = value[:61] + "..."
			}
			fmt.Printf("  %s: %s\n", key, value)
		}
		return nil
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage worker nodes",
}

var nodeAddCmd = &cobra.Command{
	Use:   "add <ip>",
	Short: "Register a worker host",
	Long: `Register a worker host in the node inventory. The host is probed over
SSH first; it enters service enabled only if it is reachable and no
engine is currently running on it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ip := args[0]
		ncpus, _ := cmd.Flags().GetInt("ncpus")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		registry, store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		pool, err := openPool(cfg, registry)
		if err != nil {
			return err
		}
		defer pool.Close()

		enabled := pool.Admit(ip)
		if err := store.AddNode(context.Background(), types.Node{IP: ip, NCPUs: ncpus, Enabled: enabled}); err != nil {
			return err
		}

		if enabled {
			fmt.Printf("Node %s added and enabled\n", ip)
		} else {
			fmt.Printf("Node %s added disabled (admission probe failed)\n", ip)
		}
		return nil
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List node rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		_, store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		nodes, err := store.ListResources(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("%-20s %-8s %-10s %s\n", "IP", "NCPUS", "ENABLED", "CLOUD")
		for _, node := range nodes {
			ncpus := "-"
			if node.NCPUs > 0 {
				ncpus = strconv.Itoa(node.NCPUs)
			}
			cloudTag := node.Cloud
			if cloudTag == "" {
				cloudTag = "-"
			}
			fmt.Printf("%-20s %-8s %-10t %s\n", node.IP, ncpus, node.Enabled, cloudTag)
		}
		return nil
	},
}

var nodeRemoveCmd = &cobra.Command{
	Use:   "remove <ip>",
	Short: "Delete a node row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		_, store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteNode(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Node %s removed\n", args[0])
		return nil
	},
}

func parseStatus(name string) (types.TaskStatus, error) {
	switch strings.ToLower(name) {
	case "to_do", "todo":
		return types.StatusToDo, nil
	case "running":
		return types.StatusRunning, nil
	case "done":
		return types.StatusDone, nil
	}
	return 0, fmt.Errorf("unknown status %q (expected to_do, running, or done)", name)
}

func init() {
	submitCmd.Flags().String("label", "", "Task label")
	submitCmd.Flags().String("engine", "", "Engine name")
	submitCmd.Flags().StringArray("input", nil, "Input file as name=path (repeatable)")
	_ = submitCmd.MarkFlagRequired("label")
	_ = submitCmd.MarkFlagRequired("engine")

	taskListCmd.Flags().StringSlice("status", nil, "Filter by status (to_do, running, done)")
	taskListCmd.Flags().Int64Slice("ids", nil, "Filter by task ids")
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskGetCmd)

	nodeAddCmd.Flags().Int("ncpus", 0, "CPU count of the host (0 = probe at spawn time)")
	nodeCmd.AddCommand(nodeAddCmd)
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeRemoveCmd)
}
