/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package classifier

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// pidRange is an inclusive pid interval
type pidRange struct {
	lo, hi int
}

// ExclusionSet is a set of pids ignored by classification. The zero value is empty.
// ExclusionSet 是分类时忽略的 PID 集合。零值为空集。
type ExclusionSet struct {
	ranges []pidRange
}

// NewExclusionSet creates a set from inclusive [lo, hi] pairs
// NewExclusionSet 根据闭区间 [lo, hi] 创建集合
func NewExclusionSet(bounds ...[2]int) ExclusionSet {
	var s ExclusionSet
	for _, b := range bounds {
		lo, hi := b[0], b[1]
		if lo > hi {
			lo, hi = hi, lo
		}
		s.ranges = append(s.ranges, pidRange{lo: lo, hi: hi})
	}
	s.normalize()
	return s
}

// ParseExclusionSet parses entries such as "0-1000" or "4242"
// ParseExclusionSet 解析 "0-1000" 或 "4242" 之类的条目
func ParseExclusionSet(specs []string) (ExclusionSet, error) {
	var s ExclusionSet
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		loStr, hiStr, isRange := strings.Cut(spec, "-")
		lo, err := strconv.Atoi(strings.TrimSpace(loStr))
		if err != nil {
			return ExclusionSet{}, fmt.Errorf("invalid pid %q: %w", spec, err)
		}
		hi := lo
		if isRange {
			if hi, err = strconv.Atoi(strings.TrimSpace(hiStr)); err != nil {
				return ExclusionSet{}, fmt.Errorf("invalid pid range %q: %w", spec, err)
			}
		}
		if lo < 0 || hi < lo {
			return ExclusionSet{}, fmt.Errorf("invalid pid range %q", spec)
		}
		s.ranges = append(s.ranges, pidRange{lo: lo, hi: hi})
	}
	s.normalize()
	return s, nil
}

// With returns a copy of the set that also excludes pids
// With 返回额外排除 pids 的集合副本
func (s ExclusionSet) With(pids ...int) ExclusionSet {
	out := ExclusionSet{ranges: append([]pidRange(nil), s.ranges...)}
	for _, pid := range pids {
		out.ranges = append(out.ranges, pidRange{lo: pid, hi: pid})
	}
	out.normalize()
	return out
}

// Contains reports whether pid is excluded
// Contains 判断 PID 是否被排除
func (s ExclusionSet) Contains(pid int) bool {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].hi >= pid })
	return i < len(s.ranges) && s.ranges[i].lo <= pid
}

// String renders the set in the same form ParseExclusionSet accepts
func (s ExclusionSet) String() string {
	parts := make([]string, 0, len(s.ranges))
	for _, r := range s.ranges {
		if r.lo == r.hi {
			parts = append(parts, strconv.Itoa(r.lo))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.lo, r.hi))
		}
	}
	return strings.Join(parts, ",")
}

// normalize sorts and merges overlapping or adjacent ranges
func (s *ExclusionSet) normalize() {
	if len(s.ranges) < 2 {
		return
	}
	sort.Slice(s.ranges, func(i, j int) bool { return s.ranges[i].lo < s.ranges[j].lo })
	merged := s.ranges[:1]
	for _, r := range s.ranges[1:] {
		last := &merged[len(merged)-1]
		if r.lo <= last.hi+1 {
			if r.hi > last.hi {
				last.hi = r.hi
			}
			continue
		}
		merged = append(merged, r)
	}
	s.ranges = merged
}
