// OpenSOC/Spyglass - Configuration
// Copyright (C) 2024 The OpenSOC Developers; All Rights Reserved
// <dev (at) opensoc (dot) io>

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

/*
	Configurable options for the Spyglass core go here.
	Everything else is set, or automatic/dynamic.

	From the [import] and [index] sections in spyglass.conf
*/

package spyglass

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Spyglass_Config struct {
	db_directory string

	import_max_events    uint64 // 0 = unlimited
	import_batch_timeout time.Duration

	index_partition_capacity   uint64
	index_max_inmem_partitions uint32
	index_taste_partitions     uint32
	index_num_workers          uint32
	index_delay_flush          bool
}

var config Spyglass_Config

const (
	partition_capacity_lower = 1024
	partition_capacity_upper = 128 * 1024 * 1024

	max_inmem_partitions_lower = 1
	max_inmem_partitions_upper = 4096

	taste_partitions_lower = 1
	taste_partitions_upper = 1024

	num_workers_lower = 1
	num_workers_upper = 1024
)

func config_set_defaults() {
	config.db_directory = "./spyglass-db"
	config.import_max_events = 0
	config.import_batch_timeout = 10 * time.Second
	config.index_partition_capacity = 1024 * 1024
	config.index_max_inmem_partitions = 10
	config.index_taste_partitions = 5
	config.index_num_workers = 4
	config.index_delay_flush = false
}

// FindConfigFile resolves the configuration file: XDG_CONFIG_HOME,
// then HOME, then the system-wide fallback.
func FindConfigFile() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		if f := filepath.Join(dir, "spyglass", "spyglass.conf"); fileExists(f) {
			return f
		}
	}
	if home := os.Getenv("HOME"); home != "" {
		if f := filepath.Join(home, ".config", "spyglass", "spyglass.conf"); fileExists(f) {
			return f
		}
	}
	if f := "/etc/spyglass/spyglass.conf"; fileExists(f) {
		return f
	}
	return ""
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// ConfigureVariables pulls everything out of viper; returns the number
// of configuration errors (0 = success). Missing keys keep their
// defaults.
func ConfigureVariables() int {
	var errors int

	config_set_defaults()

	if viper.IsSet("spyglass.db-directory") {
		errors += config_parse_string(&config.db_directory, "spyglass.db-directory")
	}
	if viper.IsSet("import.max-events") {
		errors += config_parse_count(&config.import_max_events, "import.max-events", 0, max_id)
	}
	if viper.IsSet("import.batch-timeout") {
		errors += config_parse_time(&config.import_batch_timeout, "import.batch-timeout")
	}
	if viper.IsSet("index.partition-capacity") {
		errors += config_parse_count(&config.index_partition_capacity, "index.partition-capacity",
			partition_capacity_lower, partition_capacity_upper)
	}
	if viper.IsSet("index.max-inmem-partitions") {
		errors += config_parse_int(&config.index_max_inmem_partitions, "index.max-inmem-partitions",
			max_inmem_partitions_lower, max_inmem_partitions_upper)
	}
	if viper.IsSet("index.taste-partitions") {
		errors += config_parse_int(&config.index_taste_partitions, "index.taste-partitions",
			taste_partitions_lower, taste_partitions_upper)
	}
	if viper.IsSet("index.num-workers") {
		errors += config_parse_int(&config.index_num_workers, "index.num-workers",
			num_workers_lower, num_workers_upper)
	}
	if viper.IsSet("index.delay-flush-until-shutdown") {
		config.index_delay_flush = viper.GetBool("index.delay-flush-until-shutdown")
	}

	return errors
}

func config_parse_string(s *string, key string) int {
	if str := viper.GetString(key); str != "" {
		*s = str
		return 0
	}
	zlog.Errorf("Configuration entry for '%s' missing or empty", key)
	return 1
}

func config_parse_count(i *uint64, key string, lower uint64, upper uint64) int {
	s := viper.GetString(key)
	if s == "" {
		zlog.Errorf("Configuration entry for '%s' missing or empty", key)
		return 1
	}
	multiplier := uint64(1)

	s = strings.ToUpper(s)
	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	}

	size, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		zlog.Errorf("Cannot parse variable %s: '%s'", key, s)
		return 1
	}

	*i = size * multiplier

	if *i < lower || *i > upper {
		zlog.Errorf("Variable %s out of bounds (%d), must be between %d and %d",
			key, *i, lower, upper)
		return 1
	}

	return 0 // 0 = success
}

func config_parse_int(i *uint32, key string, lower uint32, upper uint32) int {
	*i = viper.GetUint32(key)

	if *i < lower || *i > upper {
		zlog.Errorf("Variable %s out of bounds (%d), must be between %d and %d",
			key, *i, lower, upper)
		return 1
	}

	return 0 // 0 = success
}

func config_parse_time(d *time.Duration, key string) int {
	s := viper.GetString(key)
	if s == "" {
		zlog.Errorf("Configuration entry for '%s' missing or empty", key)
		return 1
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		// Also accept a bare number of seconds
		secs, err2 := strconv.Atoi(s)
		if err2 != nil {
			zlog.Errorf("Cannot parse variable %s: '%s'", key, s)
			return 1
		}
		parsed = time.Duration(secs) * time.Second
	}
	if parsed <= 0 {
		zlog.Errorf("Variable %s must be positive, got '%s'", key, s)
		return 1
	}
	*d = parsed
	return 0 // 0 = success
}

// ConfiguredIndex maps the resolved configuration onto the index
// tunables.
func ConfiguredIndex() IndexConfig {
	return IndexConfig{
		PartitionCapacity:       config.index_partition_capacity,
		MaxInmemPartitions:      int(config.index_max_inmem_partitions),
		TastePartitions:         int(config.index_taste_partitions),
		NumWorkers:              int(config.index_num_workers),
		DelayFlushUntilShutdown: config.index_delay_flush,
	}
}

func ConfiguredDBDirectory() string { return config.db_directory }

func ConfiguredImportMaxEvents() uint64 { return config.import_max_events }

func ConfiguredBatchTimeout() time.Duration { return config.import_batch_timeout }

// EOF
