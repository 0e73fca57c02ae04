package mysql

import (
	"database/sql"
	"io/fs"
	"sort"
	"strings"

	xerrors "OpenCustody-Chain/internal/errors"
)

// RunMigrations 按文件名顺序执行嵌入的 SQL 迁移文件。
// 所有迁移都是幂等的建表语句，重复执行安全。
func RunMigrations(db *sql.DB, files fs.FS) error {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件失败")
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := fs.ReadFile(files, name)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件 "+name+" 失败")
		}
		stmt := strings.TrimSpace(string(content))
		stmt = strings.TrimSuffix(stmt, ";")
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移 "+name+" 失败")
		}
	}
	return nil
}
