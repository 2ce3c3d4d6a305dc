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
	"fmt"
	"strings"
)

// importConfigRel is the base relation for load configurations.
const importConfigRel = "import_config"

// fileLoadRelation maps an input format to the built-in load relation.
var fileLoadRelation = map[string]string{
	"CSV":   "load_csv",
	"JSONL": "load_jsonlines_general",
	"JSON":  "load_json",
}

// LoadRelationFor returns the built-in load relation for a file type.
func LoadRelationFor(fileType string) (string, bool) {
	rel, ok := fileLoadRelation[strings.ToUpper(fileType)]
	return rel, ok
}

// WithInputs pairs a query string with its named string inputs.
type WithInputs struct {
	Query  string
	Inputs map[string]string
}

// LocalPart is one shard of a local multi-part source, already read from disk.
type LocalPart struct {
	Index int
	Data  string
}

// AzurePart is one shard of an azure multi-part source, addressed by URI.
type AzurePart struct {
	Index int
	URI   string
}

// LocalLoadSimple loads one local file into the simple source catalog.
// The file content travels as a query input.
func LocalLoadSimple(relation, fileType, data string) WithInputs {
	rawDataRel := relation + "_data"
	query := fmt.Sprintf("def %s:%s:data = %s\n%s\n",
		importConfigRel, relation, rawDataRel, simpleInsert(relation, fileType))
	return WithInputs{Query: query, Inputs: map[string]string{rawDataRel: data}}
}

// AzureLoadSimple loads one azure blob into the simple source catalog using
// SAS credentials.
func AzureLoadSimple(relation, fileType, uri, sas string) WithInputs {
	query := fmt.Sprintf("def %[1]s:%[2]s:integration:provider = \"azure\"\n"+
		"def %[1]s:%[2]s:integration:credentials:azure_sas_token = raw\"%[3]s\"\n"+
		"def %[1]s:%[2]s:path = \"%[4]s\"\n%[5]s",
		importConfigRel, relation, sas, uri, simpleInsert(relation, fileType))
	return WithInputs{Query: query, Inputs: nil}
}

// LocalLoadMultipart loads the shards of a local multi-part source in one
// transaction, each shard as its own query input.
func LocalLoadMultipart(relation, fileType string, parts []LocalPart) WithInputs {
	rawDataRel := relation + "_data"

	var rawText, partIndexes strings.Builder
	inputs := make(map[string]string, len(parts))
	for _, part := range parts {
		literal := fmt.Sprintf("%s_%d", rawDataRel, part.Index)
		inputs[literal] = part.Data
		fmt.Fprintf(&rawText, "def %s[%d] = %s\n", rawDataRel, part.Index, literal)
		fmt.Fprintf(&partIndexes, "%d\n", part.Index)
	}

	query := fmt.Sprintf("%s\n%s\n%s\n%s",
		partIndexRelation(partIndexes.String()),
		rawText.String(),
		multiPartLoadConfig(relation, fileType, fmt.Sprintf("def data = %s[i]", rawDataRel)),
		multiPartInsert(relation, fileType))
	return WithInputs{Query: query, Inputs: inputs}
}

// AzureLoadMultipart loads the shards of an azure multi-part source in one
// transaction, addressed by URI with SAS credentials.
func AzureLoadMultipart(relation, fileType string, parts []AzurePart, sas string) WithInputs {
	pathRel := relation + "_path"

	var partIndexes, partURIMap strings.Builder
	for _, part := range parts {
		fmt.Fprintf(&partIndexes, "%d\n", part.Index)
		fmt.Fprintf(&partURIMap, "%d,%q\n", part.Index, part.URI)
	}

	integration := fmt.Sprintf("def integration:provider = \"azure\"\n"+
		"    def integration:credentials:azure_sas_token = raw\"%s\"\n"+
		"    def path = %s[i]\n", sas, pathRel)

	query := fmt.Sprintf("%s\n%s\n%s\n%s",
		partIndexRelation(partIndexes.String()),
		pathRelation(pathRel, partURIMap.String()),
		multiPartLoadConfig(relation, fileType, integration),
		multiPartInsert(relation, fileType))
	return WithInputs{Query: query, Inputs: nil}
}

func simpleInsert(relation, fileType string) string {
	return fmt.Sprintf("def insert:simple_source_catalog:%s = %s[%s:%s]",
		relation, fileLoadRelation[strings.ToUpper(fileType)], importConfigRel, relation)
}

func multiPartInsert(relation, fileType string) string {
	return fmt.Sprintf("def insert:source_catalog:%s[i] = %s[load_%s_config[i]]",
		relation, fileLoadRelation[strings.ToUpper(fileType)], relation)
}

func multiPartLoadConfig(relation, fileType, integration string) string {
	schema := ""
	if strings.ToUpper(fileType) == "CSV" {
		schema = fmt.Sprintf("def schema = %[1]s:%[2]s:schema\n    def syntax:header = %[1]s:%[2]s:syntax:header",
			importConfigRel, relation)
	}
	return fmt.Sprintf(`bound %[1]s:%[2]s:schema
bound %[1]s:%[2]s:syntax:header
module load_%[2]s_config[i in part_indexes]
    %[3]s
    %[4]s
end
`, importConfigRel, relation, schema, integration)
}

func partIndexRelation(partIndexes string) string {
	return fmt.Sprintf("def part_index_config:schema:INDEX = \"int\"\n"+
		"def part_index_config:data = \"\"\"\nINDEX\n%s\n\"\"\"\n"+
		"def part_indexes_csv = load_csv[part_index_config]\n"+
		"def part_indexes = part_indexes_csv:INDEX[_]", partIndexes)
}

func pathRelation(pathRel, partURIMap string) string {
	return fmt.Sprintf("def part_uri_map_config:schema:INDEX = \"int\"\n"+
		"def part_uri_map_config:schema:URI = \"string\"\n"+
		"def part_uri_map_config:data = \"\"\"\nINDEX,URI\n%s\n\"\"\"\n"+
		"def part_uri_map_csv = load_csv[part_uri_map_config]\n"+
		"def %s(i, u) { part_uri_map_csv:INDEX(row, i) and part_uri_map_csv:URI(row, u) from row }",
		partURIMap, pathRel)
}
