package daemon

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mkondo/graphflow/internal/events"
	"github.com/mkondo/graphflow/internal/model"
	"github.com/mkondo/graphflow/internal/queue"
	yamlutil "github.com/mkondo/graphflow/internal/yaml"
)

// GoalFile is the on-disk shape of a goal dropped into intake/.
type GoalFile struct {
	SchemaVersion int        `yaml:"schema_version"`
	FileType      string     `yaml:"file_type"`
	Goal          model.Goal `yaml:"goal"`
}

// Intake turns goal YAML files dropped into dataDir/intake/ into queued
// goals. Files that fail validation are quarantined and recorded as
// GOAL_REJECTED so the submitter can find out why.
type Intake struct {
	dataDir  string
	queues   *queue.Manager
	eventLog *events.Log
	logger   *log.Logger
	logLevel model.LogLevel
}

func NewIntake(dataDir string, queues *queue.Manager, eventLog *events.Log, logger *log.Logger, logLevel model.LogLevel) *Intake {
	return &Intake{
		dataDir:  dataDir,
		queues:   queues,
		eventLog: eventLog,
		logger:   logger,
		logLevel: logLevel,
	}
}

// Scan processes every goal file currently in the intake directory.
func (in *Intake) Scan() {
	intakeDir := filepath.Join(in.dataDir, "intake")
	entries, err := os.ReadDir(intakeDir)
	if err != nil {
		in.log(model.LogLevelError, "read intake dir error=%v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		in.HandleFile(filepath.Join(intakeDir, entry.Name()))
	}
}

// HandleFile validates and enqueues one goal file. Non-goal files (temp
// files, editor droppings) are ignored.
func (in *Intake) HandleFile(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return
	}
	ext := filepath.Ext(base)
	if ext != ".yaml" && ext != ".yml" {
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		// Atomic writers rename files into place; a read race resolves on
		// the next scan.
		in.log(model.LogLevelDebug, "intake read file=%s error=%v", path, err)
		return
	}

	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeGoal); err != nil {
		in.reject(path, model.Goal{}, fmt.Sprintf("invalid goal file header: %v", err))
		return
	}

	var gf GoalFile
	if err := yamlv3.Unmarshal(content, &gf); err != nil {
		in.reject(path, model.Goal{}, fmt.Sprintf("parse goal file: %v", err))
		return
	}

	goal := gf.Goal
	if err := prepareGoal(&goal); err != nil {
		in.reject(path, goal, err.Error())
		return
	}

	payload, err := json.Marshal(goal)
	if err != nil {
		in.reject(path, goal, fmt.Sprintf("marshal goal: %v", err))
		return
	}
	itemID, err := in.queues.Enqueue(queue.GoalQueue, queue.Item{Payload: payload}, goal.ThreadID)
	if err != nil {
		// Journal failure: keep the file so the goal is not lost.
		in.log(model.LogLevelError, "intake enqueue file=%s error=%v", path, err)
		return
	}

	if err := os.Remove(path); err != nil {
		in.log(model.LogLevelWarn, "intake remove file=%s error=%v", path, err)
	}
	in.log(model.LogLevelInfo, "goal_intake goal=%s thread=%s item=%s file=%s", goal.ID, goal.ThreadID, itemID, base)
}

func (in *Intake) reject(path string, goal model.Goal, reason string) {
	in.log(model.LogLevelWarn, "goal_rejected file=%s reason=%s", filepath.Base(path), reason)

	if in.eventLog != nil {
		rec := &events.Record{
			Type:     events.TypeGoalRejected,
			GraphID:  goal.GraphID,
			ThreadID: goal.ThreadID,
			GoalID:   goal.ID,
			Reason:   reason,
		}
		if err := in.eventLog.Append(rec); err != nil {
			in.log(model.LogLevelError, "event append type=%s error=%v", rec.Type, err)
		}
	}

	if _, err := yamlutil.Quarantine(in.dataDir, path); err != nil {
		in.log(model.LogLevelError, "quarantine file=%s error=%v", path, err)
	}
}

func (in *Intake) log(level model.LogLevel, format string, args ...any) {
	if in.logger == nil || level < in.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	in.logger.Printf("%s %s intake: %s", time.Now().Format(time.RFC3339), level, msg)
}
