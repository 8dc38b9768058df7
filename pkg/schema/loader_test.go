package schema

import (
	"strings"
	"testing"
)

func TestValidateLedgerEntry(t *testing.T) {
	doc := `{
		"question_id": 1,
		"image": "COCO_val2014_000000310196.jpg",
		"question": "Is there a snowboard in the image?",
		"label": "yes",
		"model_answer": "Evidence: a snowboard.\nSelf-check: clear.\nAnswer: yes",
		"final_answer": "yes",
		"evidence": "a snowboard.",
		"self_check": "clear.",
		"identity_key": "id:\"1\"",
		"run_id": "0b9c7a52-8d1e-4c61-9a35-3c1f0f5c6a10",
		"evaluated_at": "2026-02-17T20:10:11Z",
		"image_sha256": "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	}`
	errs, err := Validate(LedgerEntry, []byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 0 {
		t.Fatalf("schema should pass: %v", errs)
	}
}

func TestValidateLedgerEntryWithoutMetadata(t *testing.T) {
	doc := `{"image":"a.jpg","text":"Is there a dog?","model_answer":"Error","final_answer":"refused","evidence":"","self_check":""}`
	errs, err := Validate(LedgerEntry, []byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 0 {
		t.Fatalf("schema should pass: %v", errs)
	}
}

func TestValidateLedgerEntryViolations(t *testing.T) {
	cases := map[string]string{
		"bad answer":     `{"question":"q","model_answer":"x","final_answer":"maybe","evidence":"","self_check":""}`,
		"missing answer": `{"question":"q","model_answer":"x","evidence":"","self_check":""}`,
		"no question":    `{"model_answer":"x","final_answer":"no","evidence":"","self_check":""}`,
		"bad digest":     `{"question":"q","model_answer":"x","final_answer":"no","evidence":"","self_check":"","image_sha256":"md5:1"}`,
		"bad key":        `{"question":"q","model_answer":"x","final_answer":"no","evidence":"","self_check":"","identity_key":"q"}`,
		"not an object":  `["question"]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			errs, err := Validate(LedgerEntry, []byte(doc))
			if err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
			if len(errs) == 0 {
				t.Fatal("expected schema violations")
			}
		})
	}
}

func TestValidateQuestionItem(t *testing.T) {
	for _, doc := range []string{
		`{"question_id": 1, "image": "a.jpg", "text": "Is there a dog?", "label": "no"}`,
		`{"local_path": "/data/a.jpg", "question": "Is there a dog?", "category": "adversarial"}`,
		`{"question": "", "text": "Is there a dog?"}`,
	} {
		errs, err := Validate(QuestionItem, []byte(doc))
		if err != nil {
			t.Fatal(err)
		}
		if len(errs) != 0 {
			t.Fatalf("%s: schema should pass: %v", doc, errs)
		}
	}
}

func TestValidateQuestionItemViolations(t *testing.T) {
	for _, doc := range []string{
		`{"image": "a.jpg"}`,
		`{"image": "a.jpg", "question": "   "}`,
		`{"image": ["a.jpg"], "question": "q"}`,
		`{"question_id": {"n": 1}, "question": "q"}`,
	} {
		errs, err := Validate(QuestionItem, []byte(doc))
		if err != nil {
			t.Fatal(err)
		}
		if len(errs) == 0 {
			t.Fatalf("%s: expected schema violations", doc)
		}
	}
}

func TestValidateUnknownSchema(t *testing.T) {
	_, err := Validate("statement", []byte(`{}`))
	if err == nil {
		t.Fatal("expected schema loader error")
	}
	if !strings.Contains(err.Error(), "load schema") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateNotJSON(t *testing.T) {
	if _, err := Validate(LedgerEntry, []byte(`{"question":`)); err == nil {
		t.Fatal("expected error for malformed document")
	}
}
