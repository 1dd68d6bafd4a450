// Package task names the supported fine-tuning datasets and locates their
// record shards.
package task

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"tower-forge/internal/dataset"
)

// Task describes one dataset's label space and split names.
type Task struct {
	Name string
	// labels is nil for regression tasks.
	labels   []string
	DevSplit string
}

// Labels returns the class names, or nil for regression.
func (t Task) Labels() []string { return append([]string(nil), t.labels...) }

// Regression reports whether the task predicts a real value.
func (t Task) Regression() bool { return len(t.labels) == 0 }

// NumLabels is the classifier output width; zero for regression.
func (t Task) NumLabels() int { return len(t.labels) }

// TrainShards finds train-NNNNNN.tar shards under each data root. Every
// root must contribute at least one shard.
func (t Task) TrainShards(roots []string) (map[string][]string, error) {
	if len(roots) == 0 {
		return nil, errors.Errorf("task %s: no data roots", t.Name)
	}
	byRoot, err := dataset.DiscoverByRoot(roots, "train")
	if err != nil {
		return nil, errors.Wrapf(err, "task %s", t.Name)
	}
	for root, shards := range byRoot {
		if len(shards) == 0 {
			return nil, errors.Errorf("task %s: no train shards under %s", t.Name, root)
		}
	}
	return byRoot, nil
}

// Registry maps task names to tasks.
type Registry struct {
	tasks map[string]Task
}

// Default holds the built-in tasks.
func Default() *Registry {
	r := &Registry{tasks: map[string]Task{}}
	for _, t := range []Task{
		{Name: "mnli_matched", labels: []string{"contradiction", "entailment", "neutral"}, DevSplit: "dev_matched"},
		{Name: "mnli_mismatched", labels: []string{"contradiction", "entailment", "neutral"}, DevSplit: "dev_mismatched"},
		{Name: "sts-b", DevSplit: "dev"},
		{Name: "imdb", labels: []string{"neg", "pos"}, DevSplit: "test"},
		{Name: "yelp5", labels: []string{"1", "2", "3", "4", "5"}, DevSplit: "test"},
	} {
		r.tasks[t.Name] = t
	}
	return r
}

// Lookup resolves a task name case-insensitively.
func (r *Registry) Lookup(name string) (Task, error) {
	t, ok := r.tasks[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Task{}, errors.Errorf("task not found: %q (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	return t, nil
}

// Names lists registered tasks in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
