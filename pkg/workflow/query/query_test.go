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

package query

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopulateSourceConfigs(t *testing.T) {
	q := PopulateSourceConfigs([]SourceConfig{
		{
			Relation:      "master",
			Container:     "input",
			ContainerType: "local",
			InputFormat:   "csv",
			Paths:         []string{"/data/master.csv"},
		},
		{
			Relation:           "city",
			Container:          "input",
			ContainerType:      "azure",
			InputFormat:        "csv",
			IsChunkPartitioned: true,
			IsDatePartitioned:  true,
			Paths:              []string{"/city/a.csv", "/city/b.csv"},
		},
	})

	assert.Contains(t, q, "master,input,/data/master.csv")
	assert.Contains(t, q, "city,input,/city/a.csv")
	assert.Contains(t, q, "master,CSV")
	assert.Contains(t, q, "city,azure")
	assert.Contains(t, q, `def insert:simple_source_relation = { "master" }`)
	assert.Contains(t, q, `def insert:date_partitioned_source_relation = { "city" }`)
	assert.NotContains(t, q, "chunk_partitioned_source_relation =", "date partitioning wins over chunking")
}

func TestDiscoverReimportSources(t *testing.T) {
	q := DiscoverReimportSources(
		[]SourceConfig{{Relation: "city", IsChunkPartitioned: true, Paths: []string{"/city/a.csv"}}},
		[]ExpiredSource{{Relation: "test", Path: "/test/data_dt=20220104/part-1.csv"}},
		true, false,
	)

	assert.Contains(t, q, "def force_reimport = true")
	assert.Contains(t, q, "def force_reimport_not_chunk_partitioned = false")
	assert.Contains(t, q, "city,/city/a.csv,true")
	assert.Contains(t, q, "test,/test/data_dt=20220104/part-1.csv")
	assert.Contains(t, q, "insert:resources_data_to_delete")
}

func TestUpdateStepState(t *testing.T) {
	q := UpdateStepState("11111111-2222-3333-4444-555555555555", "SUCCESS")
	assert.Contains(t, q, `parse_uuid["11111111-2222-3333-4444-555555555555"]`)
	assert.Contains(t, q, `v = "SUCCESS"`)
}

func TestBuildRelationPath(t *testing.T) {
	assert.Equal(t, "batch:config", BuildRelationPath("batch:config"))
	assert.Equal(t, "batch:config:daily:fake", BuildRelationPath("batch:config", "daily", "fake"))
}

func TestMaterialize(t *testing.T) {
	q := Materialize([]string{"a", "b"})
	assert.Contains(t, q, "def output:a = count[a]")
	assert.Contains(t, q, "def output:b = count[b]")
}

func TestLocalLoadSimple(t *testing.T) {
	q := LocalLoadSimple("master", "CSV", "a,b\n1,2\n")
	assert.Contains(t, q.Query, "def import_config:master:data = master_data")
	assert.Contains(t, q.Query, "insert:simple_source_catalog:master = load_csv[import_config:master]")
	assert.Equal(t, "a,b\n1,2\n", q.Inputs["master_data"])
}

func TestAzureLoadSimple(t *testing.T) {
	q := AzureLoadSimple("master", "JSONL", "azure://host/cont/f.jsonl", "sv=tok")
	assert.Contains(t, q.Query, `azure_sas_token = raw"sv=tok"`)
	assert.Contains(t, q.Query, `path = "azure://host/cont/f.jsonl"`)
	assert.Contains(t, q.Query, "load_jsonlines_general")
	assert.Empty(t, q.Inputs)
}

func TestLocalLoadMultipart(t *testing.T) {
	q := LocalLoadMultipart("city", "CSV", []LocalPart{
		{Index: 1, Data: "a"},
		{Index: 2, Data: "b"},
	})
	assert.Contains(t, q.Query, "def city_data[1] = city_data_1")
	assert.Contains(t, q.Query, "def city_data[2] = city_data_2")
	assert.Contains(t, q.Query, "insert:source_catalog:city[i]")
	assert.Equal(t, "a", q.Inputs["city_data_1"])
	assert.Equal(t, "b", q.Inputs["city_data_2"])
}

func TestAzureLoadMultipart(t *testing.T) {
	q := AzureLoadMultipart("city", "CSV", []AzurePart{
		{Index: 1, URI: "azure://f1"},
		{Index: 2, URI: "azure://f2"},
	}, "sv=tok")
	assert.Contains(t, q.Query, `1,"azure://f1"`)
	assert.Contains(t, q.Query, `2,"azure://f2"`)
	assert.Contains(t, q.Query, "module load_city_config[i in part_indexes]")
}

func TestExportRelationsToAzure(t *testing.T) {
	endDate, err := time.Parse("20060102", "20220105")
	require.NoError(t, err)

	q := ExportRelationsToAzure(
		AzureTarget{Account: "acc", Container: "cont", DataPath: "output", SAS: "sv=tok"},
		[]ExportSpec{
			{Relation: "cities", RelativePath: "cities", FileType: "CSV", OffsetByNumberOfDays: 1},
		},
		endDate, "20060102",
	)

	assert.Contains(t, q, `azure_sas_token = raw"sv=tok"`)
	assert.Contains(t, q, "azure://acc.blob.core.windows.net/cont/output/cities/data_dt=20220104/cities.csv")
	assert.Contains(t, q, "def export:cities = export_csv")
}

func TestExportMetaRelationLocal(t *testing.T) {
	q := ExportRelationsLocal([]ExportSpec{
		{Relation: "stats", FileType: "CSV", MetaKey: []string{"region", "year"}},
	})
	assert.Contains(t, q, "_v0, _v1")
	assert.Contains(t, q, "export_config:stats:meta_key")
}

func TestExportSkipsNonCSV(t *testing.T) {
	q := ExportRelationsLocal([]ExportSpec{{Relation: "bin", FileType: "PARQUET"}})
	assert.False(t, strings.Contains(q, "bin"))
}
