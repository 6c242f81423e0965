package models

import (
	"sort"

	"github.com/n0madic/go-chatrelay/internal/types"
)

// TaskTextGeneration is the catalog task name of chat-capable models.
const TaskTextGeneration = "Text Generation"

// OtherTask is the bucket for models that name no task.
const OtherTask = "Other"

// fallbackNames is served when the remote catalog cannot be fetched.
var fallbackNames = []string{
	"gpt-3.5-turbo",
	"gpt-4",
	"claude-2",
	"@cf/meta/llama-2-7b-chat-fp16",
	"@cf/mistral/mistral-7b-instruct-v0.1",
}

// StaticFallback returns the minimal model list used when the catalog is
// unavailable.
func StaticFallback() []types.ModelEntry {
	out := make([]types.ModelEntry, 0, len(fallbackNames))
	for _, name := range fallbackNames {
		out = append(out, types.ModelEntry{Name: name})
	}
	return out
}

// TaskGroup is a set of models sharing a task name.
type TaskGroup struct {
	Task   string
	Models []types.ModelEntry
}

// GroupByTask buckets models by task name. Groups are sorted by name with
// the Other bucket last; models keep their input order within a group.
func GroupByTask(models []types.ModelEntry) []TaskGroup {
	index := map[string]int{}
	var groups []TaskGroup
	for _, m := range models {
		task := OtherTask
		if m.Task != nil && m.Task.Name != "" {
			task = m.Task.Name
		}
		i, ok := index[task]
		if !ok {
			i = len(groups)
			index[task] = i
			groups = append(groups, TaskGroup{Task: task})
		}
		groups[i].Models = append(groups[i].Models, m)
	}
	sort.SliceStable(groups, func(a, b int) bool {
		if groups[a].Task == OtherTask || groups[b].Task == OtherTask {
			return groups[b].Task == OtherTask && groups[a].Task != OtherTask
		}
		return groups[a].Task < groups[b].Task
	})
	return groups
}

// Names strips entries down to their names, the /api/tags shape.
func Names(models []types.ModelEntry) []types.ModelEntry {
	out := make([]types.ModelEntry, 0, len(models))
	for _, m := range models {
		out = append(out, types.ModelEntry{Name: m.Name})
	}
	return out
}
