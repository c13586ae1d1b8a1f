package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Job is one unit of work. A panicking job is recovered and logged.
type Job struct {
	Name string
	Run  func(ctx context.Context)
}

// Pool bounds how many jobs run at once. It is safe to share between callers.
type Pool struct {
	sem chan struct{}
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

func (p *Pool) Size() int { return cap(p.sem) }

// Do runs all jobs concurrently and returns once every job has finished.
// Jobs already started are never abandoned, even if ctx is canceled.
func (p *Pool) Do(ctx context.Context, jobs []Job) {
	var wg sync.WaitGroup
	for _, j := range jobs {
		p.sem <- struct{}{}
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			defer func() { <-p.sem }()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("job", j.Name).Err(fmt.Errorf("panic: %v", r)).Msg("worker job panicked")
				}
			}()
			j.Run(ctx)
		}(j)
	}
	wg.Wait()
}
