// internal/history/history.go
package history

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/tamzrod/meter-poller/internal/register"
)

const batchSize = 64

// Sample is one recorded register event.
type Sample struct {
	ID        uint      `gorm:"primaryKey"`
	Port      string    `gorm:"size:64"`
	Device    string    `gorm:"size:64;index:idx_sample_register"`
	Register  string    `gorm:"size:64;index:idx_sample_register"`
	Value     string    `gorm:"size:255"`
	Error     string    `gorm:"size:4"` // error flags, "" when the value is good
	Timestamp time.Time `gorm:"index"`
}

// Recorder stores changed values and error transitions in SQLite. Record
// never blocks the scheduler: when the queue is full the sample is dropped.
type Recorder struct {
	db      *gorm.DB
	in      chan Sample
	now     func() time.Time
	dropped atomic.Uint64
}

// Open opens (or creates) the database at path.
func Open(path string, queue int) (*Recorder, error) {
	db, err := gorm.Open(sqlite.New(sqlite.Config{
		DriverName: "sqlite",
		DSN:        path,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Sample{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	if queue <= 0 {
		queue = 1
	}
	return &Recorder{
		db:  db,
		in:  make(chan Sample, queue),
		now: time.Now,
	}, nil
}

// Record queues s.
func (r *Recorder) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = r.now()
	}
	select {
	case r.in <- s:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Printf("history queue full, %d samples dropped", n)
		}
	}
}

// Dropped is the number of samples lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// OnRead records changed values of port.
func (r *Recorder) OnRead(port string, reg *register.Register, changed bool) {
	if !changed {
		return
	}
	r.Record(Sample{
		Port:     port,
		Device:   reg.DeviceName,
		Register: reg.Config.Name,
		Value:    reg.Handler.TextValue(),
	})
}

// OnError records error state transitions of port.
func (r *Recorder) OnError(port string, reg *register.Register, state register.ErrorState) {
	flags := state.Flags()
	if flags == "" {
		flags = "-"
	}
	r.Record(Sample{
		Port:     port,
		Device:   reg.DeviceName,
		Register: reg.Config.Name,
		Error:    flags,
	})
}

// Run writes queued samples in batches until ctx is done, then writes what
// is left in the queue.
func (r *Recorder) Run(ctx context.Context) {
	batch := make([]Sample, 0, batchSize)

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case s := <-r.in:
					batch = append(batch, s)
				default:
					r.write(batch)
					return
				}
			}

		case s := <-r.in:
			batch = append(batch, s)
		drain:
			for len(batch) < batchSize {
				select {
				case s := <-r.in:
					batch = append(batch, s)
				default:
					break drain
				}
			}
			r.write(batch)
			batch = batch[:0]
		}
	}
}

func (r *Recorder) write(batch []Sample) {
	if len(batch) == 0 {
		return
	}
	if err := r.db.CreateInBatches(batch, batchSize).Error; err != nil {
		log.Printf("history write failed (%d samples): %v", len(batch), err)
	}
}

// Latest returns the newest sample of one register.
func (r *Recorder) Latest(ctx context.Context, device, name string) (Sample, error) {
	var s Sample
	err := r.db.WithContext(ctx).
		Where("device = ? AND register = ?", device, name).
		Order("timestamp DESC, id DESC").
		First(&s).Error
	if err != nil {
		return Sample{}, fmt.Errorf("history: %s/%s: %w", device, name, err)
	}
	return s, nil
}

// Since returns every sample of a device newer than t, oldest first.
func (r *Recorder) Since(ctx context.Context, device string, t time.Time) ([]Sample, error) {
	var out []Sample
	err := r.db.WithContext(ctx).
		Where("device = ? AND timestamp > ?", device, t).
		Order("timestamp, id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("history: %s: %w", device, err)
	}
	return out, nil
}

// Close closes the database. Run must have returned.
func (r *Recorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
