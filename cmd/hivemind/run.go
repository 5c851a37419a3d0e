package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/hivemind/internal/config"
	"github.com/ShayCichocki/hivemind/internal/kv"
	"github.com/ShayCichocki/hivemind/internal/orchestrator"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// workloadResources mirrors models.Resources with yaml field names.
type workloadResources struct {
	CPU      float64 `yaml:"cpu"`
	MemoryMB int64   `yaml:"memory_mb"`
}

// workloadTask is one task entry in a workload file.
type workloadTask struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"`
	Priority     string            `yaml:"priority"`
	Input        interface{}       `yaml:"input"`
	Timeout      string            `yaml:"timeout"`
	MaxRetries   *int              `yaml:"max_retries"`
	Capabilities []string          `yaml:"capabilities"`
	Resources    workloadResources `yaml:"resources"`
	DependsOn    []string          `yaml:"depends_on"`
	OnDepFailure string            `yaml:"on_dependency_failure"`
}

// workload is the file format accepted by `hivemind run`.
type workload struct {
	Tasks []workloadTask `yaml:"tasks"`
}

var stateDBPath string

var runCmd = &cobra.Command{
	Use:   "run <workload.yaml>",
	Short: "Execute a workload file and stream its events",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkload,
}

func init() {
	runCmd.Flags().StringVar(&stateDBPath, "state-db", "", "SQLite file backing checkpoints and knowledge (default: in-memory)")
}

func runWorkload(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read workload: %w", err)
	}
	var wl workload
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return fmt.Errorf("parse workload: %w", err)
	}
	if len(wl.Tasks) == 0 {
		return fmt.Errorf("workload has no tasks")
	}

	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{}
	if stateDBPath != "" {
		store, err := kv.OpenSQLite(stateDBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, orchestrator.WithStore(store))
	}

	orch, err := orchestrator.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := orch.Start(); err != nil {
		return err
	}

	sub := orch.Subscribe(nil, 0)
	go streamEvents(sub.Events())

	ids := make([]string, 0, len(wl.Tasks))
	for _, wt := range wl.Tasks {
		var timeout time.Duration
		if wt.Timeout != "" {
			timeout, err = time.ParseDuration(wt.Timeout)
			if err != nil {
				_ = orch.Stop()
				return fmt.Errorf("task %s timeout: %w", wt.Name, err)
			}
		}
		task := &models.Task{
			ID:       wt.ID,
			Name:     wt.Name,
			Type:     models.TaskType(wt.Type),
			Priority: models.Priority(wt.Priority),
			Input:    wt.Input,
			Timeout:  timeout,
			Requirements: models.Requirements{
				Capabilities: wt.Capabilities,
				Resources: models.Resources{
					CPU:      wt.Resources.CPU,
					MemoryMB: wt.Resources.MemoryMB,
				},
				DependsOn: wt.DependsOn,
			},
			OnDependencyFailure: models.CascadePolicy(wt.OnDepFailure),
			MaxRetries:          -1,
		}
		if wt.MaxRetries != nil {
			task.MaxRetries = *wt.MaxRetries
		}
		id, err := orch.Submit(task)
		if err != nil {
			_ = orch.Stop()
			return fmt.Errorf("submit %s: %w", wt.Name, err)
		}
		ids = append(ids, id)
	}

	waitAllTerminal(orch, ids)
	sub.Close()

	m := orch.GetMetrics()
	fmt.Println()
	fmt.Printf("tasks: %d  completed: %d  failed: %d  success rate: %.2f\n",
		m.TasksTotal, m.TasksCompleted, m.TasksFailed, m.SuccessRate)

	return orch.Stop()
}

// waitAllTerminal polls until every submitted task reached a terminal state.
func waitAllTerminal(orch *orchestrator.Orchestrator, ids []string) {
	for {
		done := true
		for _, id := range ids {
			st, err := orch.Status(id)
			if err == nil && !st.Terminal() {
				done = false
				break
			}
		}
		if done {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// streamEvents renders the event stream to stdout.
func streamEvents(events <-chan models.Event) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	for evt := range events {
		label := string(evt.Type)
		switch evt.Type {
		case models.EventTaskCompleted, models.EventOrchestratorStarted:
			label = green(label)
		case models.EventTaskFailed, models.EventTaskTimedOut,
			models.EventTaskCascadeFailed, models.EventOrchestratorFailed,
			models.EventWorkerFailed:
			label = red(label)
		case models.EventAlertTriggered, models.EventsDropped:
			label = yellow(label)
		default:
			label = dim(label)
		}

		target := evt.TaskID
		if target == "" {
			target = evt.WorkerID
		}
		line := fmt.Sprintf("%s  %-24s %s", evt.Timestamp.Format("15:04:05.000"), label, target)
		if evt.Message != "" {
			line += "  " + dim(evt.Message)
		}
		if evt.Error != "" {
			line += "  " + red(evt.Error)
		}
		fmt.Println(line)
	}
}
