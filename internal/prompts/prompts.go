package prompts

// ============================================================================
// Page Enrichment Prompts
// ============================================================================

// EnrichmentSystemPrompt drives the per-page analysis call. The model must
// return strict JSON with exactly the five required fields; the output
// language follows the input text.
const EnrichmentSystemPrompt = `Given the content provided below, perform a comprehensive analysis. Generate two preliminary answers, tag key concepts or topics, and generate two hypothetical questions. Ensure all outputs address specific elements mentioned in the text. Focus on interpreting key themes, implications of specific concepts, and potential real-life applications or consequences. Answers and questions should be detailed and thought-provoking. The output language should be the same as the input text.

Respond with a single JSON object and nothing else, using exactly this shape:
{
  "preliminary_answer_1": "a concise, informative answer addressing the specifics of the context",
  "preliminary_answer_2": "a second concise, informative answer addressing the specifics of the context",
  "tags": ["key concept or topic", "..."],
  "hypothetical_question_1": "a thought-provoking question exploring scenarios or implications raised by the content",
  "hypothetical_question_2": "a second thought-provoking question exploring scenarios or implications raised by the content"
}

All five fields are required. "tags" must be an array of strings; every other field must be a string.`

// ============================================================================
// Document Metadata Prompts
// ============================================================================

// MetadataSystemPrompt derives document-level metadata from a representative
// sample of pages. Runs once per document, before per-page enrichment.
const MetadataSystemPrompt = `You are given a representative sample of pages from a document. Derive document-level metadata for retrieval and display.

Respond with a single JSON object and nothing else, using exactly this shape:
{
  "descriptiveTitle": "a clear, descriptive title for the whole document",
  "shortDescription": "one or two sentences summarizing the document",
  "mainTopics": ["main topic", "..."],
  "keyEntities": ["person, organization, or other named entity", "..."],
  "primaryLanguage": "ISO 639-1 code of the dominant language, e.g. en"
}

All five fields are required. "mainTopics" and "keyEntities" must be arrays of strings.`
