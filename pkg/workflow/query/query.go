// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package query builds the rule-language query strings submitted to the
// remote compute service. The strings are opaque payloads: this package
// renders them from structured inputs and nothing in the repository parses
// them back.
package query

import (
	"fmt"
	"strings"
)

// DisableIVM turns off incremental view maintenance for a database.
const DisableIVM = "def insert:relconfig:disable_ivm = true"

// DeleteRefreshedSourcesData removes catalog entries matching the
// invalidation set computed during source configuration.
const DeleteRefreshedSourcesData = `
    def delete:source_catalog(r, p_i, data...) {
        resources_data_to_delete(r, p_i) and
        source_catalog(r, p_i, data...)
    }
    def delete:source_catalog[r] = source_catalog[r], resources_data_to_delete(r)
    def delete:simple_source_catalog[r] = simple_source_catalog[r], resources_data_to_delete(r)

    def delete:declared_sources_to_delete = declared_sources_to_delete
    def delete:resources_data_to_delete = resources_data_to_delete
`

// SourceConfig is the per-source slice of the catalog update.
type SourceConfig struct {
	Relation           string
	Container          string
	ContainerType      string
	InputFormat        string
	IsChunkPartitioned bool
	IsDatePartitioned  bool
	Paths              []string
}

func (s SourceConfig) pathsCSV() string {
	lines := make([]string, 0, len(s.Paths))
	for _, p := range s.Paths {
		lines = append(lines, fmt.Sprintf("%s,%s,%s", s.Relation, s.Container, p))
	}
	return strings.Join(lines, "\n")
}

func (s SourceConfig) chunkPartitionedPathsCSV() string {
	lines := make([]string, 0, len(s.Paths))
	for _, p := range s.Paths {
		lines = append(lines, fmt.Sprintf("%s,%s,%t", s.Relation, p, s.IsChunkPartitioned))
	}
	return strings.Join(lines, "\n")
}

func (s SourceConfig) formatCSV() string {
	return fmt.Sprintf("%s,%s", s.Relation, strings.ToUpper(s.InputFormat))
}

func (s SourceConfig) containerTypeCSV() string {
	return fmt.Sprintf("%s,%s", s.Relation, s.ContainerType)
}

// PopulateSourceConfigs renders the catalog update that declares every source
// with its inflated paths, input format and container type.
func PopulateSourceConfigs(sources []SourceConfig) string {
	pathRows := make([]string, 0, len(sources))
	formatRows := make([]string, 0, len(sources))
	containerRows := make([]string, 0, len(sources))
	var simple, chunk, dated []string
	for _, s := range sources {
		if csv := s.pathsCSV(); csv != "" {
			pathRows = append(pathRows, csv)
		}
		formatRows = append(formatRows, s.formatCSV())
		containerRows = append(containerRows, s.containerTypeCSV())
		switch {
		case s.IsDatePartitioned:
			dated = append(dated, s.Relation)
		case s.IsChunkPartitioned:
			chunk = append(chunk, s.Relation)
		default:
			simple = append(simple, s.Relation)
		}
	}

	var b strings.Builder
	b.WriteString(`
        def delete:source_declares_resource(r, c, p) {
            declared_sources_to_delete(r, p) and
            source_declares_resource(r, c, p)
        }
`)
	b.WriteString(csvInsert("resource_config", []string{"Relation", "Container", "Path"},
		strings.Join(pathRows, "\n"),
		`def insert:source_declares_resource(r, c, p) =
            exists(i :
                source_config_csv(:Relation, i, r) and
                source_config_csv(:Container, i, c) and
                source_config_csv(:Path, i, p)
            )`, "source_config_csv"))
	b.WriteString(csvInsert("input_format_config", []string{"Relation", "InputFormatCode"},
		strings.Join(formatRows, "\n"),
		`def insert:source_has_input_format(r, p) =
            exists(i : input_format_config_csv(:Relation, i, r) and input_format_config_csv(:InputFormatCode, i, p))`,
		"input_format_config_csv"))
	b.WriteString(csvInsert("container_type_config", []string{"Relation", "ContainerType"},
		strings.Join(containerRows, "\n"),
		`def insert:source_has_container_type(r, t) =
            exists(i : container_type_config_csv(:Relation, i, r) and container_type_config_csv(:ContainerType, i, t))`,
		"container_type_config_csv"))

	if len(simple) > 0 {
		fmt.Fprintf(&b, "        def insert:simple_source_relation = %s\n", literalRelation(simple))
	}
	if len(chunk) > 0 {
		fmt.Fprintf(&b, "        def insert:chunk_partitioned_source_relation = %s\n", literalRelation(chunk))
	}
	if len(dated) > 0 {
		fmt.Fprintf(&b, "        def insert:date_partitioned_source_relation = %s\n", literalRelation(dated))
	}
	return b.String()
}

// ExpiredSource is one (relation, path) pair whose partition date fell out of
// the current date range.
type ExpiredSource struct {
	Relation string
	Path     string
}

// DiscoverReimportSources renders the update that computes the invalidation
// set from the force-reimport flags, the freshly inflated source paths and
// the expired partitions.
func DiscoverReimportSources(sources []SourceConfig, expired []ExpiredSource, forceReimport, forceReimportNotChunkPartitioned bool) string {
	var newCfg strings.Builder
	for _, s := range sources {
		newCfg.WriteString(s.chunkPartitionedPathsCSV())
		newCfg.WriteString("\n")
	}
	var expiredCfg strings.Builder
	for _, e := range expired {
		fmt.Fprintf(&expiredCfg, "%s,%s\n", e.Relation, e.Path)
	}
	return fmt.Sprintf(`
        def force_reimport = %t
        def force_reimport_not_chunk_partitioned = %t

        def resource_config = new_source_config
        def resource_config[:data] = """%s"""
        def new_source_config_csv = load_csv[resource_config]

        def expired_resource_config = expired_source_config
        def expired_resource_config[:data] = """%s"""
        def expired_source_config_csv = load_csv[expired_resource_config]

        def insert:declared_sources_to_delete = resource_to_invalidate
        def insert:declared_sources_to_delete(rel, path) = part_resource_to_invalidate(rel, _, path)

        def insert:resources_data_to_delete = resources_to_delete
    `, forceReimport, forceReimportNotChunkPartitioned, newCfg.String(), expiredCfg.String())
}

// SnapshotExpirationDate renders the lookup of the current expiration date of
// a declared snapshot source, formatted with the given date format.
func SnapshotExpirationDate(snapshotBinding, raiDateFormat string) string {
	return fmt.Sprintf(`
    def output(valid_until) {
        batch_source:relation(cfg_src, "%s") and
        batch_source:snapshot_validity_days(cfg_src, validity_days) and
        source:relname(src, :%s) and
        snapshot_date = source:spans[src] and
        valid_until = format_date[snapshot_date + Day[validity_days], "%s"]
        from cfg_src, src, snapshot_date, validity_days
    }
    `, snapshotBinding, snapshotBinding, raiDateFormat)
}

// InitWorkflowSteps resets step state and execution time for every step of
// the named batch config.
func InitWorkflowSteps(batchConfigName string) string {
	return fmt.Sprintf(`
    def delete:batch_workflow_step:state_value(s, v) {
        batch_workflow_step:workflow[s] . batch_workflow:name[:%[1]s] and
        batch_workflow_step:state_value(s, v)
    }
    def delete:batch_workflow_step:execution_time_value(s, v) {
        batch_workflow_step:workflow[s] . batch_workflow:name[:%[1]s] and
        batch_workflow_step:execution_time_value(s, v)
    }
    def insert:batch_workflow_step:execution_time_value(s, v) {
        batch_workflow_step:workflow[s] . batch_workflow:name[:%[1]s] and
        v = 0.0
    }
    def insert:batch_workflow_step:state_value(s, v) {
        batch_workflow_step:workflow[s] . batch_workflow:name[:%[1]s] and
        v = "INIT"
    }
    `, batchConfigName)
}

// UpdateStepState renders the step state write for the step with identity idt.
func UpdateStepState(idt, state string) string {
	return fmt.Sprintf(`
    def insert:batch_workflow_step:state_value(s in BatchWorkflowStep, v) {
        s = uint128_hash_value_convert[parse_uuid["%s"]] and
        v = "%s"
    }
    `, idt, state)
}

// UpdateExecutionTime renders the execution-time write for the step with
// identity idt. The duration is in seconds.
func UpdateExecutionTime(idt string, seconds float64) string {
	return fmt.Sprintf(`
    def insert:batch_workflow_step:execution_time_value(s in BatchWorkflowStep, v) {
        s = uint128_hash_value_convert[parse_uuid["%s"]] and
        v = %v
    }
    `, idt, seconds)
}

// UpdateWorkflowID binds the coordinator workflow identity to the batch config.
func UpdateWorkflowID(batchConfigName, workflowID string) string {
	return fmt.Sprintf(`
    def insert:batch_workflow:id_value(w, v) {
        batch_workflow:name(w, :%s) and
        v = "%s"
    }
    `, batchConfigName, workflowID)
}

// WorkflowID reads back the coordinator workflow identity bound to the
// batch config.
func WorkflowID(batchConfigName string) string {
	return fmt.Sprintf(`
    def output(v) {
        batch_workflow:name(w, :%s) and
        batch_workflow:id_value(w, v)
        from w
    }
    `, batchConfigName)
}

// Materialize forces evaluation of the given relations by counting them.
func Materialize(relations []string) string {
	var b strings.Builder
	for _, relation := range relations {
		fmt.Fprintf(&b, "def output:%s = count[%s]\n", relation, relation)
	}
	return b.String()
}

// OutputJSON renders a relation as a JSON string output.
func OutputJSON(relation string) string {
	return fmt.Sprintf("def output = json_string[%s]", relation)
}

// DeleteRelation clears a relation.
func DeleteRelation(relation string) string {
	return fmt.Sprintf("def delete:%s = %s", relation, relation)
}

// BuildRelationPath joins a base relation with key parts.
// Ex. base "batch:config" with keys ["daily"] yields "batch:config:daily".
func BuildRelationPath(relation string, keys ...string) string {
	if len(keys) == 0 {
		return relation
	}
	return relation + ":" + strings.Join(keys, ":")
}

// csvInsert renders the standard inline-CSV insert block: a config relation
// with string schema, a load_csv, and the caller-provided insert rule.
func csvInsert(configName string, columns []string, data, insertRule, csvName string) string {
	var header, schema strings.Builder
	for i, col := range columns {
		if i > 0 {
			header.WriteString("; ")
		}
		fmt.Fprintf(&header, "(%d, :%s)", i+1, col)
		fmt.Fprintf(&schema, "        def %s[:schema, :%s] = \"string\"\n", configName, col)
	}
	return fmt.Sprintf(`
        def %[1]s[:data] = """%[2]s"""
        def %[1]s[:syntax, :header_row] = -1
        def %[1]s[:syntax, :header] = %[3]s
%[4]s        def %[5]s = load_csv[%[1]s]
        %[6]s
`, configName, data, header.String(), schema.String(), csvName, insertRule)
}

// literalRelation renders a literal string set: { "a" ; "b" }.
func literalRelation(xs []string) string {
	quoted := make([]string, len(xs))
	for i, x := range xs {
		quoted[i] = fmt.Sprintf("%q", x)
	}
	return "{ " + strings.Join(quoted, " ; ") + " }"
}
