package classifier

import "testing"

func TestClassifySelect(t *testing.T) {
	r := Classify("SELECT id, name FROM users WHERE id = 1", ModeDefault)
	if r.Op != OpSelect {
		t.Fatalf("op = %v, want SELECT", r.Op)
	}
	if !r.Type.Has(TypeRead) {
		t.Fatal("expected TypeRead")
	}
	if len(r.Tables) != 1 || r.Tables[0].Table != "users" {
		t.Fatalf("tables = %+v", r.Tables)
	}
}

func TestClassifySelectWithUserVarAssignmentIsWrite(t *testing.T) {
	r := Classify("SELECT @rownum := @rownum + 1 FROM seq", ModeDefault)
	if r.Op != OpSelect {
		t.Fatalf("op = %v, want SELECT", r.Op)
	}
	if !r.Type.Has(TypeWrite) {
		t.Fatal("expected a :=-assigning SELECT to be classified as a write")
	}
	if r.Type.Has(TypeRead) {
		t.Fatal("did not expect TypeRead once reclassified as write")
	}
}

func TestClassifyInsert(t *testing.T) {
	r := Classify("INSERT INTO orders (id) VALUES (1)", ModeDefault)
	if r.Op != OpInsert || !r.Type.Has(TypeWrite) {
		t.Fatalf("r = %+v", r)
	}
	if len(r.Tables) != 1 || r.Tables[0].Table != "orders" {
		t.Fatalf("tables = %+v", r.Tables)
	}
}

func TestClassifyQualifiedTable(t *testing.T) {
	r := Classify("SELECT * FROM shop.orders", ModeDefault)
	if len(r.Tables) != 1 || r.Tables[0].Database != "shop" || r.Tables[0].Table != "orders" {
		t.Fatalf("tables = %+v", r.Tables)
	}
	if len(r.Databases) != 1 || r.Databases[0] != "shop" {
		t.Fatalf("databases = %+v", r.Databases)
	}
}

func TestClassifyBeginCommitRollback(t *testing.T) {
	for sql, want := range map[string]Type{
		"BEGIN":            TypeBegin,
		"START TRANSACTION": TypeBegin,
		"COMMIT":           TypeCommit,
		"ROLLBACK":         TypeRollback,
	} {
		r := Classify(sql, ModeDefault)
		if !r.Type.Has(want) {
			t.Fatalf("sql %q: type = %v, want bit %v", sql, r.Type, want)
		}
	}
}

func TestClassifySetAutocommit(t *testing.T) {
	r := Classify("SET autocommit=0", ModeDefault)
	if !r.Type.Has(TypeAutocommitOff) {
		t.Fatalf("type = %v, want TypeAutocommitOff", r.Type)
	}
	r2 := Classify("SET autocommit=1", ModeDefault)
	if !r2.Type.Has(TypeAutocommitOn) {
		t.Fatalf("type = %v, want TypeAutocommitOn", r2.Type)
	}
}

func TestClassifySetGlobalSysVar(t *testing.T) {
	r := Classify("SET GLOBAL max_connections = 200", ModeDefault)
	if !r.Type.Has(TypeGSysVarWrite) {
		t.Fatalf("type = %v, want TypeGSysVarWrite", r.Type)
	}
}

func TestClassifyKillConnection(t *testing.T) {
	r := Classify("KILL 42", ModeDefault)
	if r.Op != OpKill || r.Kill == nil || !r.Kill.HasConnID || r.Kill.ConnID != 42 || r.Kill.Query {
		t.Fatalf("kill = %+v", r.Kill)
	}
}

func TestClassifyKillQuery(t *testing.T) {
	r := Classify("KILL QUERY 7", ModeDefault)
	if r.Kill == nil || !r.Kill.Query || r.Kill.ConnID != 7 {
		t.Fatalf("kill = %+v", r.Kill)
	}
}

func TestClassifyPrepareNested(t *testing.T) {
	r := Classify("PREPARE stmt1 FROM 'SELECT * FROM users WHERE id = ?'", ModeDefault)
	if r.Prepare == nil {
		t.Fatal("expected non-nil Prepare")
	}
	if r.Prepare.Name != "stmt1" {
		t.Fatalf("name = %q", r.Prepare.Name)
	}
	if r.Prepare.SubResult == nil || r.Prepare.SubResult.Op != OpSelect {
		t.Fatalf("sub result = %+v", r.Prepare.SubResult)
	}
}

func TestClassifyEmptyIsTokenised(t *testing.T) {
	r := Classify("  -- just a comment\n", ModeDefault)
	if r.Quality != Tokenised {
		t.Fatalf("quality = %v, want Tokenised", r.Quality)
	}
}

func TestClassifyTruncatedIsPartial(t *testing.T) {
	r := Classify("123garbled(((", ModeDefault)
	if r.Quality != Partial {
		t.Fatalf("quality = %v, want Partial", r.Quality)
	}
}

func TestClassifyMultiStatementRemainder(t *testing.T) {
	r := Classify("SELECT 1; SELECT 2", ModeDefault)
	if r.Remainder != "SELECT 2" {
		t.Fatalf("remainder = %q", r.Remainder)
	}
}

func TestClassifyShow(t *testing.T) {
	r := Classify("SHOW TABLES", ModeDefault)
	if r.Op != OpShow || !r.Type.Has(TypeRead) {
		t.Fatalf("r = %+v", r)
	}
}

func TestClassifyUseDatabase(t *testing.T) {
	r := Classify("USE shop", ModeDefault)
	if r.Op != OpChangeDB || !r.Type.Has(TypeSessionWrite) {
		t.Fatalf("r = %+v", r)
	}
	if len(r.Databases) != 1 || r.Databases[0] != "shop" {
		t.Fatalf("databases = %+v", r.Databases)
	}
}
