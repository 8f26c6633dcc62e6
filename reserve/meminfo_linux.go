// Copyright 2024 Warden, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package reserve

import (
	"fmt"
	"os"
)

// TotalMemoryMb reads the machine's total usable DRAM
// from /proc/meminfo, in mebibytes. It is a convenience
// for seeding a node's capacity from the host it runs
// on.
func TotalMemoryMb() (int64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var kb int64
	for {
		n, err := fmt.Fscanf(f, "MemTotal: %d kB\n", &kb)
		if err != nil {
			return 0, fmt.Errorf("/proc/meminfo: %w", err)
		}
		if n > 0 {
			return kb / 1024, nil
		}
	}
}
