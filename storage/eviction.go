package storage

import (
	"sort"

	"tubefm/model"
)

// Candidate 交给淘汰策略的候选条目
type Candidate struct {
	Entry  model.TrackEntry
	Pinned bool // 正在播放，不能选中
}

// EvictionPolicy 根据当前用量选出要淘汰的条目
type EvictionPolicy interface {
	Victims(candidates []Candidate, totalBytes int64) []model.CacheKey
}

// LRUPolicy 淘汰最久未访问的条目直到两个上限都满足，0 表示不限
type LRUPolicy struct {
	MaxBytes   int64
	MaxEntries int
}

func (p LRUPolicy) over(bytes int64, count int) bool {
	return (p.MaxBytes > 0 && bytes > p.MaxBytes) || (p.MaxEntries > 0 && count > p.MaxEntries)
}

func (p LRUPolicy) Victims(candidates []Candidate, totalBytes int64) []model.CacheKey {
	count := len(candidates)
	if !p.over(totalBytes, count) {
		return nil
	}

	sorted := append([]Candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Entry.LastAccess.Before(sorted[j].Entry.LastAccess)
	})

	var victims []model.CacheKey
	for _, c := range sorted {
		if !p.over(totalBytes, count) {
			break
		}
		if c.Pinned {
			continue
		}
		victims = append(victims, c.Entry.Key)
		totalBytes -= c.Entry.Size
		count--
	}
	return victims
}
