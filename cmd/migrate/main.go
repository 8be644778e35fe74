package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

func main() {
	dbType := flag.String("type", "postgres", "数据库类型（mysql 或 postgres）")
	dbDSN := flag.String("dsn", "", "数据库连接串")
	action := flag.String("action", "up", "迁移方向（up 或 down）")
	dir := flag.String("dir", "migrations", "迁移脚本根目录")
	flag.Parse()

	if err := run(*dbType, *dbDSN, *action, *dir); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(dbType, dsn, action, dir string) error {
	if dbType != "mysql" && dbType != "postgres" {
		return fmt.Errorf("unsupported database type %q", dbType)
	}
	if dsn == "" {
		return fmt.Errorf("-dsn is required")
	}
	if action != "up" && action != "down" {
		return fmt.Errorf("unknown action %q, want up or down", action)
	}

	files, err := migrationFiles(dir, dbType, action)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no %s migrations under %s", action, filepath.Join(dir, dbType))
	}

	db, err := sql.Open(dbType, dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", dbType, err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping %s: %w", dbType, err)
	}

	for _, file := range files {
		fmt.Printf("applying %s\n", filepath.Base(file))
		if err := applyFile(db, file); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(file), err)
		}
	}

	fmt.Printf("applied %d migration(s) to %s\n", len(files), dbType)
	return nil
}

// migrationFiles 列出指定方向的迁移脚本。up 按文件名升序执行，
// down 反向回滚。
func migrationFiles(dir, dbType, action string) ([]string, error) {
	pattern := filepath.Join(dir, dbType, "*."+action+".sql")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	if action == "down" {
		for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
			files[i], files[j] = files[j], files[i]
		}
	}
	return files, nil
}

func applyFile(db *sql.DB, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for _, stmt := range splitStatements(string(content)) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || strings.HasPrefix(stmt, "--") {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(stmt, "\n")
	if len(line) > 60 {
		line = line[:60] + "..."
	}
	return line
}

// splitStatements 按分号切分脚本，引号内的分号不作为分隔符
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	var inString bool
	var stringChar rune

	for _, r := range script {
		switch {
		case r == '\'' || r == '"' || r == '`':
			if !inString {
				inString = true
				stringChar = r
			} else if r == stringChar {
				inString = false
			}
			current.WriteRune(r)
		case r == ';' && !inString:
			statements = append(statements, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}

	if rest := strings.TrimSpace(current.String()); rest != "" {
		statements = append(statements, rest)
	}
	return statements
}
