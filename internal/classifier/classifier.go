package classifier

import (
	"regexp"
	"strconv"
	"strings"
)

// Precompiled patterns, built once at package init the way the teacher's
// parser.go builds its regex set — classification runs on the hot path so
// every statement pays only match cost, never compile cost.
var (
	leadingCommentRe = regexp.MustCompile(`(?is)^(\s*(/\*.*?\*/|--[^\n]*(?:\n|$)|#[^\n]*(?:\n|$)))*\s*`)
	firstWordRe      = regexp.MustCompile(`(?i)^([A-Za-z_]+)`)
	fromTableRe      = regexp.MustCompile(`(?i)\b(?:FROM|JOIN|INTO|UPDATE)\s+` + identPattern)
	intoTableRe      = regexp.MustCompile(`(?i)\bINSERT\s+(?:IGNORE\s+)?INTO\s+` + identPattern)
	createTableRe    = regexp.MustCompile(`(?i)\bCREATE\s+(TEMPORARY\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?` + identPattern)
	dropTableRe      = regexp.MustCompile(`(?i)\bDROP\s+(TEMPORARY\s+)?TABLE\s+(?:IF\s+EXISTS\s+)?` + identPattern)
	truncateRe       = regexp.MustCompile(`(?i)\bTRUNCATE\s+(?:TABLE\s+)?` + identPattern)
	funcCallRe       = regexp.MustCompile(`(?i)\b([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	userVarRe        = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)\s*(:?=)`)
	userVarReadRe    = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)`)
	sysVarWriteRe    = regexp.MustCompile(`(?i)\bSET\s+(GLOBAL\s+|SESSION\s+|@@global\.|@@session\.|@@)`)
	killQueryRe      = regexp.MustCompile(`(?i)^KILL\s+(QUERY\s+|CONNECTION\s+)?(\d+)\s*$`)
	killUserRe       = regexp.MustCompile(`(?i)^KILL\s+USER\s+(\S+)\s*$`)
	prepareRe        = regexp.MustCompile(`(?is)^PREPARE\s+(\S+)\s+FROM\s+(.*)$`)
	executeRe        = regexp.MustCompile(`(?i)^EXECUTE\s+(\S+)`)
	deallocateRe     = regexp.MustCompile(`(?i)^(DEALLOCATE|DROP)\s+PREPARE\s+(\S+)`)
	useDBRe          = regexp.MustCompile(`(?i)^USE\s+` + identPattern)
	readOnlyRe       = regexp.MustCompile(`(?i)\bREAD\s+ONLY\b`)
	readWriteRe      = regexp.MustCompile(`(?i)\bREAD\s+WRITE\b`)
	stmtSplitRe      = regexp.MustCompile(`;\s*`)
)

// identPattern matches a possibly schema-qualified, possibly backtick- or
// quote-delimited identifier: db.table, `db`.`table`, or a bare name.
const identPattern = "(`[^`]+`|\"[^\"]+\"|[A-Za-z_][A-Za-z0-9_$]*)" +
	"(?:\\.(`[^`]+`|\"[^\"]+\"|[A-Za-z_][A-Za-z0-9_$]*))?"

func unquoteIdent(s string) string {
	if len(s) >= 2 {
		if (s[0] == '`' && s[len(s)-1] == '`') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// splitFirst splits sql on the first top-level statement separator,
// returning the first statement and whatever remains for the caller's
// multi-statement continuation (§4.2's continuation hook).
func splitFirst(sql string) (first, remainder string) {
	loc := stmtSplitRe.FindStringIndex(sql)
	if loc == nil {
		return sql, ""
	}
	return sql[:loc[0]], sql[loc[1]:]
}

// Classify classifies a single COM_QUERY text payload. mode is passed
// explicitly rather than read from globals, per the design note that
// nothing here may depend on thread-local or process-global state. The
// same rules apply in every mode (mode is only handed on to the nested
// PREPARE classification), and no assumed server version is taken.
func Classify(sql string, mode SQLMode) *Result {
	first, remainder := splitFirst(sql)
	trimmed := strings.TrimSpace(first)

	r := &Result{Statement: trimmed, Remainder: remainder, Op: OpUnknown}

	bodyStart := leadingCommentRe.FindStringIndex(trimmed)
	body := trimmed
	if bodyStart != nil {
		body = trimmed[bodyStart[1]:]
	}
	body = strings.TrimSpace(body)

	if body == "" {
		r.Quality = Tokenised
		return r
	}

	m := firstWordRe.FindStringSubmatch(body)
	if m == nil {
		r.Quality = Partial
		return r
	}
	keyword := strings.ToUpper(m[1])

	switch keyword {
	case "SELECT":
		r.Op = OpSelect
		r.Type |= TypeRead
		classifySelectLike(body, r)
	case "INSERT", "REPLACE":
		r.Op = OpInsert
		r.Type |= TypeWrite
		classifyTables(intoTableRe, body, r)
		if strings.Contains(strings.ToUpper(body), "SELECT") {
			classifyTables(fromTableRe, body, r)
		}
	case "UPDATE":
		r.Op = OpUpdate
		r.Type |= TypeWrite
		classifyTables(fromTableRe, body, r)
	case "DELETE":
		r.Op = OpDelete
		r.Type |= TypeWrite
		classifyTables(fromTableRe, body, r)
	case "CREATE":
		r.Op = OpCreate
		r.Type |= TypeWrite
		if cm := createTableRe.FindStringSubmatch(body); cm != nil {
			addTable(r, cm[2], cm[3])
			if cm[1] != "" {
				r.Type |= TypeTmpTableWrite
				r.Type &^= TypeWrite // a session-local temp table isn't a durable write
				r.Type |= TypeSessionWrite
			}
		}
	case "DROP":
		r.Op = OpDrop
		r.Type |= TypeWrite
		if dm := dropTableRe.FindStringSubmatch(body); dm != nil {
			addTable(r, dm[2], dm[3])
			if dm[1] != "" {
				r.Type |= TypeTmpTableWrite
			}
		}
	case "ALTER":
		r.Op = OpAlter
		r.Type |= TypeWrite
		classifyTables(fromTableRe, body, r)
	case "TRUNCATE":
		r.Op = OpTruncate
		r.Type |= TypeWrite
		if tm := truncateRe.FindStringSubmatch(body); tm != nil {
			addTable(r, tm[1], tm[2])
		}
	case "GRANT":
		r.Op = OpGrant
		r.Type |= TypeWrite
	case "REVOKE":
		r.Op = OpRevoke
		r.Type |= TypeWrite
	case "LOAD":
		r.Op = OpLoad
		r.Type |= TypeWrite
		classifyTables(intoTableRe, body, r)
	case "CALL":
		r.Op = OpCall
		r.Type |= TypeWrite // a stored procedure may write; treat conservatively
	case "SET":
		classifySet(body, r)
	case "SHOW":
		r.Op = OpShow
		r.Type |= TypeRead
	case "EXPLAIN", "DESCRIBE", "DESC":
		r.Op = OpExplain
		r.Type |= TypeRead
	case "USE":
		r.Op = OpChangeDB
		r.Type |= TypeSessionWrite
		if um := useDBRe.FindStringSubmatch(body); um != nil {
			r.Databases = append(r.Databases, unquoteIdent(um[1]))
		}
	case "KILL":
		r.Op = OpKill
		r.Type |= TypeWrite
		r.Kill = classifyKill(body)
	case "BEGIN", "START":
		r.Op = OpUnknown
		r.Type |= TypeBegin
	case "COMMIT":
		r.Op = OpUnknown
		r.Type |= TypeCommit
	case "ROLLBACK":
		r.Op = OpUnknown
		r.Type |= TypeRollback
	case "PREPARE":
		r.Op = OpUnknown
		r.Type |= TypeSessionWrite | TypePrepareNamedStmt
		classifyPrepare(body, r, mode)
	case "EXECUTE":
		r.Op = OpExecute
		r.Type |= TypeExecuteNamedStmt
		if em := executeRe.FindStringSubmatch(body); em != nil {
			_ = em
		}
	case "DEALLOCATE", "DROP_PREPARE":
		r.Op = OpUnknown
		r.Type |= TypeSessionWrite | TypeDeallocate
	default:
		if deallocateRe.MatchString(body) {
			r.Op = OpUnknown
			r.Type |= TypeSessionWrite | TypeDeallocate
		} else {
			r.Quality = Partial
			return r
		}
	}

	if readOnlyRe.MatchString(body) {
		r.Type |= TypeReadOnly
	}
	if readWriteRe.MatchString(body) {
		r.Type |= TypeReadWrite
	}
	if strings.Contains(strings.ToUpper(keyword), "SET") && strings.Contains(strings.ToUpper(body), "TRANSACTION") {
		r.Type |= TypeNextTrans
	}

	classifyUserVars(body, r)
	classifyFuncs(body, r)

	r.Quality = Full
	return r
}

func classifySelectLike(body string, r *Result) {
	classifyTables(fromTableRe, body, r)
	if strings.Contains(body, ":=") {
		// A bare SELECT performing a user-variable assignment is a write
		// for routing purposes (§4.2 tie-break rule), even though its
		// operation tag remains SELECT.
		r.Type |= TypeWrite
		r.Type &^= TypeRead
	}
}

func classifyTables(re *regexp.Regexp, body string, r *Result) {
	for _, m := range re.FindAllStringSubmatch(body, -1) {
		addTable(r, m[len(m)-2], m[len(m)-1])
	}
}

// addTable appends a table reference; if part2 is non-empty, part1 is the
// database qualifier and part2 is the table, otherwise part1 is a bare
// table name in the current database.
func addTable(r *Result, part1, part2 string) {
	part1 = unquoteIdent(part1)
	part2 = unquoteIdent(part2)
	if part2 != "" {
		r.Tables = append(r.Tables, TableRef{Database: part1, Table: part2})
		r.Databases = appendUniqueString(r.Databases, part1)
	} else if part1 != "" {
		r.Tables = append(r.Tables, TableRef{Table: part1})
	}
}

func appendUniqueString(ss []string, s string) []string {
	if s == "" {
		return ss
	}
	for _, existing := range ss {
		if existing == s {
			return ss
		}
	}
	return append(ss, s)
}

func classifySet(body string, r *Result) {
	r.Op = OpSet
	r.Type |= TypeSessionWrite

	upper := strings.ToUpper(body)
	switch {
	case strings.Contains(upper, "AUTOCOMMIT"):
		if strings.Contains(upper, "=1") || strings.Contains(upper, "= 1") || strings.Contains(upper, "=ON") || strings.Contains(upper, "= ON") {
			r.Type |= TypeAutocommitOn
		} else {
			r.Type |= TypeAutocommitOff
		}
	}

	if sysVarWriteRe.MatchString(body) {
		r.Type |= TypeGSysVarWrite
	}
	if strings.Contains(upper, "TRANSACTION") {
		r.Type |= TypeNextTrans
	}
	if m := userVarRe.FindAllStringSubmatch(body, -1); len(m) > 0 {
		r.Type |= TypeUserVarWrite
	}
}

func classifyUserVars(body string, r *Result) {
	if userVarRe.MatchString(body) {
		r.Type |= TypeUserVarWrite
	}
	if userVarReadRe.MatchString(body) {
		r.Type |= TypeUserVarRead
	}
	if strings.Contains(body, "@@") {
		r.Type |= TypeGSysVarRead
	}
}

func classifyFuncs(body string, r *Result) {
	for _, m := range funcCallRe.FindAllStringSubmatch(body, -1) {
		name := strings.ToUpper(m[1])
		if isReservedNotFunc(name) {
			continue
		}
		r.Funcs = append(r.Funcs, FuncRef{Name: name})
	}
}

var reservedNotFunc = map[string]bool{
	"WHERE": true, "AND": true, "OR": true, "IN": true, "VALUES": true,
	"ON": true, "SET": true, "ORDER": true, "GROUP": true, "HAVING": true,
}

func isReservedNotFunc(name string) bool { return reservedNotFunc[name] }

func classifyKill(body string) *KillDescriptor {
	if m := killUserRe.FindStringSubmatch(body); m != nil {
		return &KillDescriptor{User: strings.Trim(m[1], "'\"")}
	}
	if m := killQueryRe.FindStringSubmatch(body); m != nil {
		id, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			return &KillDescriptor{}
		}
		return &KillDescriptor{
			Query:     strings.EqualFold(strings.TrimSpace(m[1]), "QUERY"),
			ConnID:    id,
			HasConnID: true,
		}
	}
	return &KillDescriptor{}
}

// classifyPrepare recurses into the preparable sub-statement so a PREPARE
// carries the nested classification of what it will later EXECUTE (§4.2,
// §8's round-trip testable property).
func classifyPrepare(body string, r *Result, mode SQLMode) {
	m := prepareRe.FindStringSubmatch(body)
	if m == nil {
		return
	}
	name := m[1]
	sub := strings.TrimSpace(m[2])
	sub = strings.Trim(sub, "'\"")
	info := &PrepareInfo{Name: name, SubQuery: sub}
	info.SubResult = Classify(sub, mode)
	r.Prepare = info
}
