package execution

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/quartzchain/quartz/pkg/logger"
	"github.com/quartzchain/quartz/pkg/types"
)

// ApplyBlockParallel executes deploys speculatively against the pre-block
// root on a worker pool, then installs their effects in deploy order. A
// deploy whose read set intersects the keys written by an earlier deploy of
// the same block is re-executed sequentially against the current root, so
// the outcome is always identical to ApplyBlock.
func (e *Executor) ApplyBlockParallel(ctx context.Context, root types.Digest, bc *BlockContext, deploys []*types.Deploy) (types.Digest, []DeployResult, error) {
	if e.cfg.Workers <= 1 || len(deploys) < 2 {
		return e.ApplyBlock(ctx, root, bc, deploys)
	}

	type spec struct {
		out *deployOutcome
		err error
	}
	specs := make([]spec, len(deploys))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < e.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out, err := e.runDeploy(ctx, root, bc, deploys[i])
				specs[i] = spec{out: out, err: err}
			}
		}()
	}
	for i := range deploys {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	written := make(map[types.Key]struct{})
	results := make([]DeployResult, 0, len(deploys))
	cur := root
	reruns := 0

	for i := range deploys {
		s := specs[i]
		if s.err != nil {
			return types.Digest{}, nil, s.err
		}
		out := s.out
		if conflicts(out.readSet, written) {
			reruns++
			var err error
			out, err = e.runDeploy(ctx, cur, bc, deploys[i])
			if err != nil {
				return types.Digest{}, nil, err
			}
		}
		var err error
		cur, err = e.commitDeploy(cur, out)
		if err != nil {
			return types.Digest{}, nil, err
		}
		for k := range out.effects {
			written[k] = struct{}{}
		}
		results = append(results, out.dr)
	}

	logger.Info("block applied",
		zap.Uint64("height", bc.Height),
		zap.Int("deploys", len(deploys)),
		zap.Int("reruns", reruns),
		zap.String("root", cur.String()))
	return cur, results, nil
}

func conflicts(readSet []types.Key, written map[types.Key]struct{}) bool {
	for _, k := range readSet {
		if _, ok := written[k]; ok {
			return true
		}
	}
	return false
}
