package mongostore

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/starford/sift/internal/models"
)

type devDoc struct {
	Package string `bson:"package,omitempty"`
}

type taskDoc struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	Fingerprint   string             `bson:"fingerprint"`
	Name          string             `bson:"name"`
	Build         int                `bson:"build"`
	Rev           int                `bson:"rev"`
	PreferredKeys []string           `bson:"preferred_upsert_keys"`
	Options       models.Options     `bson:"options"`
	Tags          map[string]any     `bson:"tags,omitempty"`
	Doc           string             `bson:"doc,omitempty"`
	Dev           devDoc             `bson:"__dev"`
	Created       time.Time          `bson:"created"`
}

func fromTask(t *models.Task) taskDoc {
	return taskDoc{
		Fingerprint:   t.Fingerprint,
		Name:          t.Name,
		Build:         t.Build,
		Rev:           t.Rev,
		PreferredKeys: t.PreferredKeys,
		Options:       t.Options,
		Tags:          t.Tags,
		Doc:           t.Doc,
		Dev:           devDoc{Package: t.Package},
		Created:       t.CreatedAt,
	}
}

func (d taskDoc) model() *models.Task {
	return &models.Task{
		ID:            d.ID.Hex(),
		Fingerprint:   d.Fingerprint,
		Name:          d.Name,
		Build:         d.Build,
		Rev:           d.Rev,
		PreferredKeys: d.PreferredKeys,
		Options:       d.Options,
		Tags:          d.Tags,
		Doc:           d.Doc,
		Package:       d.Dev.Package,
		CreatedAt:     d.Created,
	}
}

type fileInfoDoc struct {
	ModTime   time.Time `bson:"mtime"`
	Timestamp int64     `bson:"timestamp"`
	Size      int64     `bson:"size"`
}

type unitDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Fingerprint string             `bson:"fingerprint"`
	Name        string             `bson:"name"`
	Dir         string             `bson:"dirname"`
	Source      []string           `bson:"source"`
	Tags        map[string]any     `bson:"tags,omitempty"`
	FileInfo    *fileInfoDoc       `bson:"file_info,omitempty"`
	Records     []historyDoc       `bson:"records,omitempty"`
	Created     time.Time          `bson:"created"`
	Updated     time.Time          `bson:"updated,omitempty"`
}

func fromUnit(u *models.SourceUnit) unitDoc {
	d := unitDoc{
		Fingerprint: u.Fingerprint,
		Name:        u.Name,
		Dir:         u.Dir,
		Source:      u.Source,
		Tags:        u.Tags,
		Created:     u.CreatedAt,
	}
	if d.Source == nil {
		d.Source = []string{}
	}
	if u.FileInfo != nil {
		d.FileInfo = &fileInfoDoc{ModTime: u.FileInfo.ModTime, Timestamp: u.FileInfo.Timestamp, Size: u.FileInfo.Size}
	}
	return d
}

func (d unitDoc) model() *models.SourceUnit {
	u := &models.SourceUnit{
		ID:          d.ID.Hex(),
		Fingerprint: d.Fingerprint,
		Name:        d.Name,
		Dir:         d.Dir,
		Source:      d.Source,
		Tags:        d.Tags,
		CreatedAt:   d.Created,
		UpdatedAt:   d.Updated,
	}
	if u.Source == nil {
		u.Source = []string{}
	}
	if d.FileInfo != nil {
		u.FileInfo = &models.FileInfo{ModTime: d.FileInfo.ModTime, Timestamp: d.FileInfo.Timestamp, Size: d.FileInfo.Size}
	}
	for _, h := range d.Records {
		u.History = append(u.History, h.model())
	}
	return u
}

type memoryDoc struct {
	RSS  uint64 `bson:"rss"`
	VMS  uint64 `bson:"vms"`
	Swap uint64 `bson:"swap,omitempty"`
}

type consumptionDoc struct {
	Len    int        `bson:"len"`
	Memory *memoryDoc `bson:"memory,omitempty"`
}

type errorDoc struct {
	Type    string `bson:"type"`
	Kind    string `bson:"kind"`
	Message string `bson:"name"`
	File    string `bson:"filename,omitempty"`
	Line    int    `bson:"lineno,omitempty"`
	Column  int    `bson:"offset,omitempty"`
	Text    string `bson:"text,omitempty"`
}

type historyDoc struct {
	Action      string           `bson:"action"`
	TaskID      any              `bson:"_tid"`
	Total       *int             `bson:"total,omitempty"`
	Elapsed     float64          `bson:"elapsed,omitempty"`
	Consumption []consumptionDoc `bson:"__consumption,omitempty"`
	Error       *errorDoc        `bson:"__dev,omitempty"`
	Extra       map[string]any   `bson:"extra,omitempty"`
	Created     time.Time        `bson:"created"`
}

func fromHistory(e models.HistoryEntry) historyDoc {
	d := historyDoc{
		Action:  string(e.Status),
		TaskID:  oid(e.TaskID),
		Total:   e.Total,
		Elapsed: e.Elapsed.Seconds(),
		Extra:   e.Extra,
		Created: e.CreatedAt,
	}
	for _, c := range e.Consumption {
		cd := consumptionDoc{Len: c.Len}
		if c.Memory != nil {
			cd.Memory = &memoryDoc{RSS: c.Memory.RSS, VMS: c.Memory.VMS, Swap: c.Memory.Swap}
		}
		d.Consumption = append(d.Consumption, cd)
	}
	if e.Error != nil {
		d.Error = &errorDoc{
			Type:    e.Error.Type,
			Kind:    e.Error.Kind,
			Message: e.Error.Message,
			File:    e.Error.File,
			Line:    e.Error.Line,
			Column:  e.Error.Column,
			Text:    e.Error.Text,
		}
	}
	return d
}

func (d historyDoc) model() models.HistoryEntry {
	e := models.HistoryEntry{
		Status:    models.Status(d.Action),
		TaskID:    idString(d.TaskID),
		Total:     d.Total,
		Elapsed:   time.Duration(d.Elapsed * float64(time.Second)),
		Extra:     d.Extra,
		CreatedAt: d.Created,
	}
	for _, c := range d.Consumption {
		mc := models.Consumption{Len: c.Len}
		if c.Memory != nil {
			mc.Memory = &models.MemoryInfo{RSS: c.Memory.RSS, VMS: c.Memory.VMS, Swap: c.Memory.Swap}
		}
		e.Consumption = append(e.Consumption, mc)
	}
	if d.Error != nil {
		e.Error = &models.ErrorDetail{
			Type:    d.Error.Type,
			Kind:    d.Error.Kind,
			Message: d.Error.Message,
			File:    d.Error.File,
			Line:    d.Error.Line,
			Column:  d.Error.Column,
			Text:    d.Error.Text,
		}
	}
	return e
}
