package registry

import "testing"

func TestSetReplacesRecordForTask(t *testing.T) {
    r := New()
    r.Set(HostingRecord{TaskID: "t1", Repository: "o/t1", Round: 1})
    r.Set(HostingRecord{TaskID: "t1", Repository: "o/t1", Round: 2, Enabled: true})

    if r.Len() != 1 {
        t.Fatalf("expected one record per task, got %d", r.Len())
    }
    rec, ok := r.Get("t1")
    if !ok || rec.Round != 2 || !rec.Enabled {
        t.Fatalf("unexpected record %+v", rec)
    }
}

func TestSetReady(t *testing.T) {
    r := New()
    r.SetReady("missing", true)
    if r.Len() != 0 {
        t.Fatal("SetReady must not create records")
    }

    r.Set(HostingRecord{TaskID: "t1"})
    r.SetReady("t1", true)
    if rec, _ := r.Get("t1"); !rec.Ready {
        t.Fatal("expected ready flag to be set")
    }
}
