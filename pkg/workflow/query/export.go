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
	"time"
)

// ExportSpec describes one relation export.
type ExportSpec struct {
	Relation             string
	RelativePath         string
	FileType             string
	MetaKey              []string
	OffsetByNumberOfDays int
}

// AzureTarget is the azure destination for remote exports.
type AzureTarget struct {
	Account   string
	Container string
	DataPath  string
	SAS       string
}

// DatePrefix is the literal folder prefix of a date partition.
const DatePrefix = "data_dt="

// ExportRelationsLocal renders the csv_string outputs for a local export.
// Non-CSV exports are silently absent; the caller validates file types.
func ExportRelationsLocal(exports []ExportSpec) string {
	var b strings.Builder
	for _, export := range exports {
		if strings.ToUpper(export.FileType) != "CSV" {
			continue
		}
		if len(export.MetaKey) > 0 {
			b.WriteString(exportMetaRelationLocal(export))
		} else {
			b.WriteString(exportRelationLocal(export.Relation))
		}
	}
	return b.String()
}

// ExportRelationsToAzure renders the export_csv writes for an azure export.
// endDate is shifted per export by its day offset to form the date path.
func ExportRelationsToAzure(target AzureTarget, exports []ExportSpec, endDate time.Time, dateLayout string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
    def _credentials_config:integration:provider = "azure"
    def _credentials_config:integration:credentials:azure_sas_token = raw"%s"
    `, target.SAS)
	for _, export := range exports {
		if strings.ToUpper(export.FileType) != "CSV" {
			continue
		}
		if len(export.MetaKey) > 0 {
			b.WriteString(exportMetaRelationToAzure(target, export, endDate, dateLayout))
		} else {
			b.WriteString(exportRelationToAzure(target, export, endDate, dateLayout))
		}
	}
	return b.String()
}

func exportRelationLocal(relation string) string {
	return fmt.Sprintf("def _export_csv_config:%[1]s = export_config:%[1]s\n"+
		"def output:%[1]s = csv_string[_export_csv_config:%[1]s]\n", relation)
}

func exportMetaRelationLocal(export ExportSpec) string {
	keySeq := metaKeySeq(export)
	return fmt.Sprintf(`
    module _export_csv_config
        def %[1]s[%[2]s] =
            export_config:%[1]s[%[2]s], export_config:%[1]s:meta_key(%[2]s)
    end
    def output:%[1]s[%[2]s] = csv_string[_export_csv_config:%[1]s[%[2]s]]
    `, export.Relation, keySeq)
}

func exportRelationToAzure(target AzureTarget, export ExportSpec, endDate time.Time, dateLayout string) string {
	exportPath := fmt.Sprintf("%s/%s.csv", composeExportPath(target, export, endDate, dateLayout), export.Relation)
	return fmt.Sprintf(`
    module _export_csv_config
        def %[1]s = export_config:%[1]s
        def %[1]s:path = raw"%[2]s"
        def %[1]s = _credentials_config
    end
    def export:%[1]s = export_csv[_export_csv_config:%[1]s]
    `, export.Relation, exportPath)
}

func exportMetaRelationToAzure(target AzureTarget, export ExportSpec, endDate time.Time, dateLayout string) string {
	postfix := metaKeyStr(export)
	exportPath := fmt.Sprintf("%s/%s_%s.csv", composeExportPath(target, export, endDate, dateLayout), export.Relation, postfix)
	keySeq := metaKeySeq(export)
	return fmt.Sprintf(`
    module _export_csv_config
        module %[1]s
            def meta_key(%[2]s) = export_config:%[1]s:meta_key(%[2]s)
            def filename_postfix[%[2]s] = meta_key(%[2]s), "%[3]s"
            def path[%[2]s] = meta_key(%[2]s), "%[4]s"

            def config[keys...] = meta_key(keys...), {
                :path, path[keys...] ;
                export_config:%[1]s[keys...] ;
                _credentials_config
            }
        end
    end
    def export:%[1]s[%[2]s] = export_csv[_export_csv_config:%[1]s:config[%[2]s]],
        _export_csv_config:%[1]s:meta_key[%[2]s]
    `, export.Relation, keySeq, postfix, exportPath)
}

// composeExportPath builds the azure destination folder for an export,
// including the date partition folder shifted by the export's day offset.
func composeExportPath(target AzureTarget, export ExportSpec, endDate time.Time, dateLayout string) string {
	accountURL := fmt.Sprintf("azure://%s.blob.core.windows.net", target.Account)
	date := endDate.AddDate(0, 0, -export.OffsetByNumberOfDays)
	datePath := DatePrefix + date.Format(dateLayout)
	relPath := export.RelativePath
	if len(export.MetaKey) > 0 {
		relPath += "_" + metaKeyStr(export)
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", accountURL, target.Container, target.DataPath, relPath, datePath)
}

// metaKeySeq renders the meta key as a variable sequence: "_v0, _v1".
func metaKeySeq(export ExportSpec) string {
	vars := make([]string, len(export.MetaKey))
	for i := range export.MetaKey {
		vars[i] = fmt.Sprintf("_v%d", i)
	}
	return strings.Join(vars, ", ")
}

// metaKeyStr renders the meta key as a filename postfix: "%(_v0)_%(_v1)".
func metaKeyStr(export ExportSpec) string {
	parts := make([]string, len(export.MetaKey))
	for i := range export.MetaKey {
		parts[i] = fmt.Sprintf("%%(_v%d)", i)
	}
	return strings.Join(parts, "_")
}
