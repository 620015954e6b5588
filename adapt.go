package nuke

import "github.com/NVIDIA/nuke/task"

// toTaskPriority converts the public Priority into task.Priority. The two
// enumerations are defined with identical ordinal values by construction;
// this is the one place that fact is relied upon.
func toTaskPriority(p Priority) task.Priority { return task.Priority(p) }
